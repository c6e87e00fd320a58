package entity

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/earthring/netbind/internal/netbind"
)

var ErrNotWorldEntity = errors.New("entity: not a world entity")

// Serializer writes entities as deterministic CBOR.
type Serializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewSerializer() (*Serializer, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}
	return &Serializer{enc: enc, dec: dec}, nil
}

// Serialize writes a complete snapshot of e to w.
func (s *Serializer) Serialize(w io.Writer, e netbind.Entity) error {
	ent, ok := e.(*Entity)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotWorldEntity, e)
	}
	if err := s.enc.NewEncoder(w).Encode(ent); err != nil {
		return fmt.Errorf("failed to encode entity %d: %w", ent.RuntimeID, err)
	}
	return nil
}

// Deserialize reads one entity snapshot from r.
func (s *Serializer) Deserialize(r io.Reader) (*Entity, error) {
	var e Entity
	if err := s.dec.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &e, nil
}
