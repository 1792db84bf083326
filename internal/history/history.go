// Package history records completed matches. The ledger is append-only fact
// keeping about finished games; live session and game state is never
// persisted.
package history

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MatchRecord is one concluded match.
type MatchRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	GameID    string
	Kind      string
	PlayerOne string
	PlayerTwo string
	// WinnerID is empty for ties.
	WinnerID string
	Tie      bool
	// Reason is how the match concluded: win, tie, quit, or disconnect.
	Reason          string
	Moves           int
	DurationSeconds float64
}

// Store is the match ledger.
type Store struct {
	db *gorm.DB
}

// Connect opens the Postgres database from the config values and prepares
// the schema. By default only errors are logged; debug mode enables full SQL
// query prints-to-console.
func Connect(dataSource string, debug bool) (*Store, error) {
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(dataSource), &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %s", err)
	}
	return NewStore(db)
}

// NewStore wraps an open database handle, migrating the schema. Tests use
// this directly with a throwaway SQLite database.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&MatchRecord{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %s", err)
	}
	return &Store{db: db}, nil
}

// Record appends one concluded match to the ledger.
func (s *Store) Record(rec *MatchRecord) error {
	return s.db.Create(rec).Error
}

// ForPlayer returns every recorded match the session id took part in, newest
// first.
func (s *Store) ForPlayer(sessionID string) ([]MatchRecord, error) {
	var records []MatchRecord
	err := s.db.
		Where("player_one = ? OR player_two = ?", sessionID, sessionID).
		Order("created_at desc").
		Find(&records).Error
	return records, err
}

// Recent returns the most recently concluded matches.
func (s *Store) Recent(limit int) ([]MatchRecord, error) {
	var records []MatchRecord
	err := s.db.Order("created_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	database, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
