package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
)

const (
	lengthSize = 4
	stampSize  = 8
	headerSize = lengthSize + stampSize
)

// Binary frames each record as
//
//	[length uint32][epoch millis int64][payload]
//
// big-endian, where length covers the timestamp and the payload. Every frame
// is flushed as soon as it is written.
type Binary[T any] struct {
	ser Serializer[T]
	log *slog.Logger

	f *os.File
	w *bufio.Writer
}

// NewBinary creates a binary codec.
func NewBinary[T any](ser Serializer[T], log *slog.Logger) *Binary[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Binary[T]{ser: ser, log: log}
}

func (b *Binary[T]) Extension() string {
	return "data"
}

func (b *Binary[T]) IsOpen() bool {
	return b.f != nil
}

// Open opens path for appending. If a previous writer left a partial frame at
// the end of the file it is cut off so new frames stay aligned.
func (b *Binary[T]) Open(path string) error {
	if b.f != nil {
		return errs.Errorf(errs.Invalid, "open", "codec already open on %s", b.f.Name())
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

	end := info.Size()
	if end > 0 {
		end, err = completeFrames(f, info.Size())
		if err != nil {
			f.Close()
			return errs.E(errs.IO, "open", err)
		}
		if end < info.Size() {
			b.log.Warn("trimming partial frame", "path", path, "size", info.Size(), "valid", end)
			if err := f.Truncate(end); err != nil {
				f.Close()
				return errs.E(errs.IO, "open", err)
			}
		}
	}

	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return errs.E(errs.IO, "open", err)
	}

	b.f = f
	b.w = bufio.NewWriter(f)
	return nil
}

// completeFrames returns the offset just past the last complete frame.
func completeFrames(f *os.File, size int64) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)

	var off int64
	var hdr [lengthSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return off, nil
			}
			return 0, err
		}
		n := int64(binary.BigEndian.Uint32(hdr[:]))
		if off+lengthSize+n > size {
			return off, nil
		}
		if _, err := r.Discard(int(n)); err != nil {
			return 0, err
		}
		off += lengthSize + n
	}
}

func (b *Binary[T]) Close() error {
	if b.f == nil {
		return nil
	}
	f, w := b.f, b.w
	b.f, b.w = nil, nil

	flushErr := w.Flush()
	closeErr := f.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return errs.E(errs.IO, "close", err)
	}
	return nil
}

func (b *Binary[T]) Write(rec record.Record[T]) error {
	if b.f == nil {
		return errs.Errorf(errs.Invalid, "write", "codec not open")
	}
	data, err := b.encode(rec)
	if err != nil {
		return err
	}
	return b.writeFrame(rec.Time, data)
}

// WriteBatch writes the records one frame at a time.
func (b *Binary[T]) WriteBatch(recs []record.Record[T]) error {
	if b.f == nil {
		return errs.Errorf(errs.Invalid, "write batch", "codec not open")
	}

	var bad []error
	for _, rec := range recs {
		data, err := b.encode(rec)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if err := b.writeFrame(rec.Time, data); err != nil {
			return err
		}
	}
	if len(bad) > 0 {
		return errs.E(errs.Encoding, "write batch", errors.Join(bad...))
	}
	return nil
}

func (b *Binary[T]) encode(rec record.Record[T]) ([]byte, error) {
	data, err := b.ser.Marshal(rec.Payload)
	if err != nil {
		return nil, errs.E(errs.Encoding, "encode", err)
	}
	if uint64(len(data)) > math.MaxUint32-stampSize {
		return nil, errs.Errorf(errs.Encoding, "encode", "payload too large: %d bytes", len(data))
	}
	return data, nil
}

func (b *Binary[T]) writeFrame(ts time.Time, data []byte) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:lengthSize], uint32(stampSize+len(data)))
	binary.BigEndian.PutUint64(hdr[lengthSize:], uint64(ts.UnixMilli()))

	if _, err := b.w.Write(hdr[:]); err != nil {
		return errs.E(errs.IO, "write", err)
	}
	if _, err := b.w.Write(data); err != nil {
		return errs.E(errs.IO, "write", err)
	}
	if err := b.w.Flush(); err != nil {
		return errs.E(errs.IO, "flush", err)
	}
	return nil
}

// DecodeAll reads frames until the end of the file. A truncated final frame
// ends the stream without error.
func (b *Binary[T]) DecodeAll(path string) ([]record.Record[T], []error, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errs.E(errs.NotFound, "decode", err)
		}
		return nil, nil, errs.E(errs.IO, "decode", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, errs.E(errs.IO, "decode", err)
	}
	size := info.Size()
	r := bufio.NewReader(f)

	var (
		recs    []record.Record[T]
		skipped []error
		off     int64
		hdr     [lengthSize]byte
	)
	for frame := 0; ; frame++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return recs, skipped, errs.E(errs.IO, "decode", err)
		}
		n := int64(binary.BigEndian.Uint32(hdr[:]))
		if off+lengthSize+n > size {
			// Partial trailing frame: the writer has not finished it.
			break
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return recs, skipped, errs.E(errs.IO, "decode", err)
		}
		off += lengthSize + n

		if n < stampSize {
			skipped = append(skipped, errs.Errorf(errs.Decoding, "decode",
				"%s: frame %d: %d bytes is shorter than a timestamp", path, frame, n))
			continue
		}
		ms := int64(binary.BigEndian.Uint64(buf[:stampSize]))
		payload, err := b.ser.Unmarshal(buf[stampSize:])
		if err != nil {
			skipped = append(skipped, errs.E(errs.Decoding, fmt.Sprintf("decode %s: frame %d", path, frame), err))
			continue
		}
		recs = append(recs, record.Record[T]{Time: time.UnixMilli(ms), Payload: payload})
	}

	return recs, skipped, nil
}
