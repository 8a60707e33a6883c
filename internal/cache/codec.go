package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	pagecache "github.com/eugener/pagecache/internal"
)

// Codec encodes values for byte-oriented providers.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Msgpack encodes values with msgpack. The zero value is ready to use.
type Msgpack[V any] struct{}

// Encode implements Codec.
func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }

// Decode implements Codec.
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// CBOR encodes values with CBOR. Construct with NewCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns a CBOR codec. Deterministic mode sorts map keys so equal
// entries encode to equal bytes.
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CBOR[V]{}, fmt.Errorf("cbor dec mode: %w", err)
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// Encode implements Codec.
func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

// Decode implements Codec.
func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}

// EntryCodec returns the entry codec with the given name: "msgpack" (also
// the empty name) or "cbor".
func EntryCodec(name string) (Codec[pagecache.Entry], error) {
	switch name {
	case "", "msgpack":
		return Msgpack[pagecache.Entry]{}, nil
	case "cbor":
		c, err := NewCBOR[pagecache.Entry](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown codec %q: %w", name, pagecache.ErrBadConfig)
	}
}
