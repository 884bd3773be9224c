// Package codec frames records into bucket files and decodes them back.
//
// Two framings are provided: Binary, a length-prefixed stream, and Array, a
// JSON array document that stays parseable after every write. Both turn
// payloads into bytes through a Serializer chosen at construction time.
package codec

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ehrlich-b/objlog/internal/record"
)

// Codec writes records to one open file at a time and decodes whole files.
// A Codec is not safe for concurrent use; the owning store serialises access.
type Codec[T any] interface {
	// Open prepares path for appending, creating it if needed.
	Open(path string) error
	Close() error
	IsOpen() bool

	// Write appends one record and flushes it.
	Write(rec record.Record[T]) error
	// WriteBatch appends recs in order. Records whose payload cannot be
	// encoded are skipped and reported together in the returned error.
	WriteBatch(recs []record.Record[T]) error

	// DecodeAll reads every record in path in write order. Records that
	// cannot be decoded are skipped and listed in the second result.
	DecodeAll(path string) ([]record.Record[T], []error, error)

	// Extension is the file extension without the dot.
	Extension() string
}

// Codec names accepted by New.
const (
	NameBinary = "binary"
	NameJSON   = "json"
)

// New returns the codec registered under name: "binary" (alias "data") or
// "json" (alias "array").
func New[T any](name string, ser Serializer[T], log *slog.Logger) (Codec[T], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameBinary, "data", "":
		return NewBinary(ser, log), nil
	case NameJSON, "array":
		return NewArray(ser, log), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
