package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// File appends lifecycle events to a CBOR stream, one record per item.
// It is safe for concurrent use.
type File struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
	failed  int
}

// OpenFile opens path for appending, creating it and its directory if needed.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal file: %w", err)
	}
	return &File{file: f, encoder: newEncoder(f)}, nil
}

// Append writes r to the stream.
func (f *File) Append(r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return os.ErrClosed
	}
	if err := f.encoder.Encode(r); err != nil {
		f.failed++
		return fmt.Errorf("encoding journal record: %w", err)
	}
	return nil
}

// HandleEvent implements device.EventSink. Encoding failures are counted,
// not returned.
func (f *File) HandleEvent(ev device.Event) {
	_ = f.Append(FromEvent(ev)) //nolint:errcheck // Counted in f.failed
}

// Failed returns the number of records that failed to encode.
func (f *File) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// Close closes the file. Later appends fail with os.ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}

// Reader streams records from a CBOR journal file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	query   Query
}

// NewReader opens path for reading. Only records matching q are returned;
// q.Limit is ignored.
func NewReader(path string, q Query) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: newDecoder(f), query: q}, nil
}

// Next returns the next matching record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("decoding journal record: %w", err)
		}
		if r.query.matches(rec) {
			return rec, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadFile returns every record in path matching q, oldest first. A positive
// q.Limit keeps the most recent q.Limit matches.
func ReadFile(path string, q Query) ([]Record, error) {
	r, err := NewReader(path, q)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck // Read-only

	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[1:]
		}
	}
	return out, nil
}

var _ device.EventSink = (*File)(nil)
