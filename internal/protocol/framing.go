// Package protocol implements the wire format spoken between the server and
// its clients: length-prefixed frames carrying JSON payloads, with a batched
// "huge" mode for payloads at or above the chunk threshold.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

const (
	// MaxFrameSize is the hard cap on a single frame imposed by the 2-byte
	// signed length prefix.
	MaxFrameSize = 32767

	// ChunkSize is the threshold at and above which payloads are sent in
	// huge mode, and the size of every huge-mode batch but the last.
	ChunkSize = 1024

	// maxBatchCount bounds the memory a peer can make us allocate from a
	// single huge-mode header.
	maxBatchCount = 32767

	hugeMode = "huge"
)

// hugeHeader is the control frame announcing an oversized payload. The
// receiver must consume exactly BatchCount length fields followed by that
// many raw batches.
type hugeHeader struct {
	Mode       string `json:"mode"`
	BatchCount int    `json:"batch_count"`
}

// WritePayload sends payload to w as a single frame, switching to huge mode
// when the payload is at or above the chunk threshold.
func WritePayload(w io.Writer, payload []byte) error {
	if len(payload) >= ChunkSize {
		return writeHuge(w, payload)
	}
	return writeFrame(w, payload)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return framingErrorf("frame of %d bytes exceeds protocol maximum %d", len(payload), MaxFrameSize)
	}
	if err := binary.Write(w, binary.LittleEndian, int16(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeHuge(w io.Writer, payload []byte) error {
	size := len(payload)
	batchCount := (size + ChunkSize - 1) / ChunkSize

	header, err := json.Marshal(hugeHeader{Mode: hugeMode, BatchCount: batchCount})
	if err != nil {
		return err
	}
	if err := writeFrame(w, header); err != nil {
		return err
	}

	batchLengths := make([]int16, batchCount)
	for i := 0; i < batchCount-1; i++ {
		batchLengths[i] = ChunkSize
	}
	batchLengths[batchCount-1] = int16(size - (batchCount-1)*ChunkSize)

	if err := binary.Write(w, binary.LittleEndian, batchLengths); err != nil {
		return err
	}
	// The batches carry no further framing; they're just the payload bytes
	// back-to-back.
	_, err = w.Write(payload)
	return err
}

// ReadPayload blocks until the next payload has been fully received from r,
// reassembling huge-mode batches transparently. A peer that has closed its
// connection yields ErrPeerDisconnected; a length field with no subsequent
// data is a FramingError.
func ReadPayload(r io.Reader) ([]byte, error) {
	length, err := readLength(r, true)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, framingErrorf("frame truncated after length field: %v", err)
	}

	var header hugeHeader
	if err := json.Unmarshal(payload, &header); err == nil && header.Mode == hugeMode {
		return readBatches(r, header.BatchCount)
	}
	return payload, nil
}

// readLength reads one 2-byte length field. Only the first length field of a
// message may signal a peer disconnect; anything cut short mid-message is a
// framing error.
func readLength(r io.Reader, disconnectOK bool) (int, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF && disconnectOK {
			return 0, ErrPeerDisconnected
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, framingErrorf("truncated length field: %v", err)
		}
		return 0, err
	}

	length := int16(binary.LittleEndian.Uint16(buf[:]))
	if length < 0 {
		return 0, framingErrorf("negative frame length %d", length)
	}
	return int(length), nil
}

func readBatches(r io.Reader, batchCount int) ([]byte, error) {
	if batchCount <= 0 || batchCount > maxBatchCount {
		return nil, framingErrorf("invalid batch count %d", batchCount)
	}

	batchLengths := make([]int16, batchCount)
	if err := binary.Read(r, binary.LittleEndian, batchLengths); err != nil {
		return nil, framingErrorf("truncated batch length fields: %v", err)
	}

	total := 0
	for _, l := range batchLengths {
		if l < 0 || l > ChunkSize {
			return nil, framingErrorf("invalid batch length %d", l)
		}
		total += int(l)
	}

	payload := make([]byte, total)
	read := 0
	for _, l := range batchLengths {
		if _, err := io.ReadFull(r, payload[read:read+int(l)]); err != nil {
			return nil, framingErrorf("truncated batch: %v", err)
		}
		read += int(l)
	}
	return payload, nil
}
