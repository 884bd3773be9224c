package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
)

var (
	openMarker  = []byte("[\n")
	closeMarker = []byte("\n]\n")
	separator   = []byte(",\n")
)

// element is the on-disk shape of one record in an array file.
type element struct {
	Time    int64           `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Array keeps each file a complete JSON array. Every write lands just before
// the closing marker and rewrites it, so a reader opening the file between
// writes always sees a parseable document.
//
// Only one process may write a given file.
type Array[T any] struct {
	ser Serializer[T]
	log *slog.Logger

	f     *os.File
	end   int64 // offset of the closing marker
	count int
}

// NewArray creates an array codec. The serializer must produce JSON.
func NewArray[T any](ser Serializer[T], log *slog.Logger) *Array[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Array[T]{ser: ser, log: log}
}

func (a *Array[T]) Extension() string {
	return "json"
}

func (a *Array[T]) IsOpen() bool {
	return a.f != nil
}

// Open creates path as an empty array, or continues an existing array file.
// An existing file with a damaged tail is cut back to its last complete
// element.
func (a *Array[T]) Open(path string) error {
	if a.f != nil {
		return errs.Errorf(errs.Invalid, "open", "codec already open on %s", a.f.Name())
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errs.E(errs.IO, "open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.E(errs.IO, "open", err)
	}

	end, count := int64(len(openMarker)), 0
	if info.Size() > 0 {
		end, count, err = a.resume(f, path, info.Size())
		if err != nil {
			f.Close()
			return err
		}
	} else if err := writeEmpty(f); err != nil {
		f.Close()
		return errs.E(errs.IO, "open", err)
	}

	a.f, a.end, a.count = f, end, count
	return nil
}

func writeEmpty(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt(append(append([]byte{}, openMarker...), closeMarker...), 0)
	return err
}

// resume scans an existing file and returns the offset just past its last
// complete element together with the element count.
func (a *Array[T]) resume(f *os.File, path string, size int64) (int64, int, error) {
	dec := json.NewDecoder(io.NewSectionReader(f, 0, size))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('[') {
		return 0, 0, errs.Errorf(errs.Decoding, "open", "%s is not a json array", path)
	}

	var (
		last  int64
		count int
	)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		last = dec.InputOffset()
		count++
	}

	if count == 0 {
		if err := writeEmpty(f); err != nil {
			return 0, 0, errs.E(errs.IO, "open", err)
		}
		return int64(len(openMarker)), 0, nil
	}

	tail := int64(len(closeMarker))
	if last+tail != size || !hasCloseMarker(f, last) {
		a.log.Warn("repairing array file tail", "path", path, "size", size, "valid", last)
		if err := f.Truncate(last); err != nil {
			return 0, 0, errs.E(errs.IO, "open", err)
		}
		if _, err := f.WriteAt(closeMarker, last); err != nil {
			return 0, 0, errs.E(errs.IO, "open", err)
		}
	}
	return last, count, nil
}

func hasCloseMarker(f *os.File, off int64) bool {
	buf := make([]byte, len(closeMarker))
	if _, err := f.ReadAt(buf, off); err != nil {
		return false
	}
	return bytes.Equal(buf, closeMarker)
}

func (a *Array[T]) Close() error {
	if a.f == nil {
		return nil
	}
	f := a.f
	a.f, a.end, a.count = nil, 0, 0
	if err := f.Close(); err != nil {
		return errs.E(errs.IO, "close", err)
	}
	return nil
}

func (a *Array[T]) Write(rec record.Record[T]) error {
	if a.f == nil {
		return errs.Errorf(errs.Invalid, "write", "codec not open")
	}
	data, err := a.encode(rec)
	if err != nil {
		return err
	}
	return a.append([][]byte{data})
}

// WriteBatch appends every encodable record in a single positioned write.
func (a *Array[T]) WriteBatch(recs []record.Record[T]) error {
	if a.f == nil {
		return errs.Errorf(errs.Invalid, "write batch", "codec not open")
	}

	var (
		elems [][]byte
		bad   []error
	)
	for _, rec := range recs {
		data, err := a.encode(rec)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		elems = append(elems, data)
	}

	if len(elems) > 0 {
		if err := a.append(elems); err != nil {
			return err
		}
	}
	if len(bad) > 0 {
		return errs.E(errs.Encoding, "write batch", errors.Join(bad...))
	}
	return nil
}

// append writes elems over the closing marker and then re-adds the marker.
func (a *Array[T]) append(elems [][]byte) error {
	var buf bytes.Buffer
	for i, e := range elems {
		if a.count > 0 || i > 0 {
			buf.Write(separator)
		}
		buf.Write(e)
	}
	body := int64(buf.Len())
	buf.Write(closeMarker)

	if _, err := a.f.WriteAt(buf.Bytes(), a.end); err != nil {
		return errs.E(errs.IO, "write", err)
	}
	a.end += body
	a.count += len(elems)
	return nil
}

func (a *Array[T]) encode(rec record.Record[T]) ([]byte, error) {
	payload, err := a.ser.Marshal(rec.Payload)
	if err != nil {
		return nil, errs.E(errs.Encoding, "encode", err)
	}
	if !json.Valid(payload) {
		return nil, errs.Errorf(errs.Encoding, "encode", "payload is not valid json")
	}
	data, err := json.Marshal(element{Time: rec.Time.UnixMilli(), Payload: payload})
	if err != nil {
		return nil, errs.E(errs.Encoding, "encode", err)
	}
	return data, nil
}

// DecodeAll streams the array and returns its elements in write order.
func (a *Array[T]) DecodeAll(path string) ([]record.Record[T], []error, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errs.E(errs.NotFound, "decode", err)
		}
		return nil, nil, errs.E(errs.IO, "decode", err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, []error{errs.E(errs.Decoding, "decode "+path, err)}, nil
	}
	if tok != json.Delim('[') {
		return nil, []error{errs.Errorf(errs.Decoding, "decode", "%s is not a json array", path)}, nil
	}

	var (
		recs    []record.Record[T]
		skipped []error
	)
	for i := 0; dec.More(); i++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// The rest of the document cannot be resynchronised.
			skipped = append(skipped, errs.E(errs.Decoding, fmt.Sprintf("decode %s: element %d", path, i), err))
			break
		}

		var el element
		if err := json.Unmarshal(raw, &el); err != nil {
			skipped = append(skipped, errs.E(errs.Decoding, fmt.Sprintf("decode %s: element %d", path, i), err))
			continue
		}
		payload, err := a.ser.Unmarshal(el.Payload)
		if err != nil {
			skipped = append(skipped, errs.E(errs.Decoding, fmt.Sprintf("decode %s: element %d", path, i), err))
			continue
		}
		recs = append(recs, record.Record[T]{Time: time.UnixMilli(el.Time), Payload: payload})
	}

	return recs, skipped, nil
}
