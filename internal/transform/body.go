// Package transform runs post-render stages over a response body. Stages run
// in ascending order and may replace the body; a failing stage is logged and
// skipped so that page delivery never breaks.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Body is a rendered response body. It is one of Text, Bytes or Chunks.
type Body interface {
	body()
}

// Text is a decoded text body that must be encoded before transmission.
type Text struct {
	Value string
	// Encoding is a charset label such as "utf-8" or "iso-8859-1". Empty
	// means UTF-8.
	Encoding string
}

// Bytes is an already encoded body.
type Bytes []byte

// Chunks is a finite, lazily produced body. It can be ranged over once.
// A producer that fails yields a nil chunk with the error and stops, so a
// consumer can tell a complete body from a cut-off one.
type Chunks iter.Seq2[[]byte, error]

func (Text) body()   {}
func (Bytes) body()  {}
func (Chunks) body() {}

// Encode returns t encoded with its charset.
func Encode(t Text) ([]byte, error) {
	if t.Encoding == "" || strings.EqualFold(t.Encoding, "utf-8") || strings.EqualFold(t.Encoding, "utf8") {
		return []byte(t.Value), nil
	}
	enc, err := htmlindex.Get(t.Encoding)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", t.Encoding, err)
	}
	out, err := enc.NewEncoder().Bytes([]byte(t.Value))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.Encoding, err)
	}
	return out, nil
}

// Drain materialises b as bytes. Chunks are consumed; when the producer fails,
// the bytes read so far are returned with its error.
func Drain(b Body) ([]byte, error) {
	switch v := b.(type) {
	case nil:
		return nil, nil
	case Text:
		return Encode(v)
	case Bytes:
		return v, nil
	case Chunks:
		var buf bytes.Buffer
		for chunk, err := range v {
			if err != nil {
				return buf.Bytes(), err
			}
			buf.Write(chunk)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported body %T", b)
	}
}

// WriteTo writes b to w. Chunks are streamed without buffering the whole body.
// A producer error is returned like a write error.
func WriteTo(w io.Writer, b Body) (int64, error) {
	chunks, ok := b.(Chunks)
	if !ok {
		data, err := Drain(b)
		if err != nil {
			return 0, err
		}
		n, err := w.Write(data)
		return int64(n), err
	}
	var total int64
	var werr error
	for chunk, err := range chunks {
		if err != nil {
			if werr == nil {
				werr = err
			}
			break
		}
		if werr != nil {
			// Keep consuming so the producer can release its source.
			continue
		}
		n, err := w.Write(chunk)
		total += int64(n)
		werr = err
	}
	return total, werr
}

// ChunksFromReader streams rc in pieces of at most size bytes and closes it
// once the sequence ends. A read error other than io.EOF is yielded last.
func ChunksFromReader(rc io.ReadCloser, size int) Chunks {
	if size <= 0 {
		size = 32 << 10
	}
	return func(yield func([]byte, error) bool) {
		defer rc.Close()
		buf := make([]byte, size)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Partial returns a body that yields data and then fails with err. Stages
// that drained a failing body hand it on with it.
func Partial(data []byte, err error) Chunks {
	return func(yield func([]byte, error) bool) {
		if len(data) > 0 && !yield(data, nil) {
			return
		}
		yield(nil, err)
	}
}
