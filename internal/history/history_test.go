package history

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-test/deep"
	"gorm.io/gorm"
)

// Creates a ledger for testing backed by a throwaway SQLite database. A new
// database per invocation is cheap enough given the low number of tests.
func setUpStore(t *testing.T) *Store {
	t.Helper()
	testDBFile := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(testDBFile))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("error initializing store: %s", err)
	}
	return store
}

func testRecord(gameID, playerOne, playerTwo, winnerID string) *MatchRecord {
	return &MatchRecord{
		GameID:    gameID,
		Kind:      "connect4",
		PlayerOne: playerOne,
		PlayerTwo: playerTwo,
		WinnerID:  winnerID,
		Reason:    "win",
		Moves:     9,
	}
}

func assertRecordsMatch(t *testing.T, want, got *MatchRecord) {
	t.Helper()
	// gorm assigns the key and timestamp on creation.
	got.ID = want.ID
	got.CreatedAt = want.CreatedAt
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("record did not match expected; diff: %v", diff)
	}
}

func TestRecordAndForPlayer(t *testing.T) {
	store := setUpStore(t)

	first := testRecord("1-2-connect4", "1", "2", "2")
	second := testRecord("1-3-connect4", "1", "3", "")
	second.Tie = true
	second.Reason = "tie"
	bystander := testRecord("4-5-connect4", "4", "5", "4")

	for _, rec := range []*MatchRecord{first, second, bystander} {
		if err := store.Record(rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	records, err := store.ForPlayer("1")
	if err != nil {
		t.Fatalf("ForPlayer() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ForPlayer() returned %d records, want 2", len(records))
	}
	// Newest first.
	assertRecordsMatch(t, second, &records[0])
	assertRecordsMatch(t, first, &records[1])
}

func TestForPlayerNoMatches(t *testing.T) {
	store := setUpStore(t)

	records, err := store.ForPlayer("404")
	if err != nil {
		t.Fatalf("ForPlayer() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ForPlayer() returned %d records for an unknown player", len(records))
	}
}

func TestRecent(t *testing.T) {
	store := setUpStore(t)

	for i, gameID := range []string{"1-2-connect4", "2-3-connect4", "3-4-connect4"} {
		rec := testRecord(gameID, "1", "2", "1")
		rec.Moves = i
		if err := store.Record(rec); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	records, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(records))
	}
	if records[0].GameID != "3-4-connect4" || records[1].GameID != "2-3-connect4" {
		t.Errorf("Recent() order wrong: %s, %s", records[0].GameID, records[1].GameID)
	}
}
