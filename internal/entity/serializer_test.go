package entity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/earthring/netbind/internal/netbind"
)

type foreignEntity struct{}

func (foreignEntity) ID() netbind.EntityID { return 1 }

func newTestSerializer(t *testing.T) *Serializer {
	t.Helper()
	s, err := NewSerializer()
	if err != nil {
		t.Fatalf("NewSerializer() failed: %v", err)
	}
	return s
}

func TestSerializerRoundTrip(t *testing.T) {
	s := newTestSerializer(t)
	e := &Entity{
		RuntimeID: 0x0000_0100_0000_0007,
		Name:      "crate",
		Components: []Component{
			{Type: "transform", Fields: map[string]string{"x": "1.5", "y": "-2"}},
			{Type: "physics"},
		},
	}

	var buf bytes.Buffer
	if err := s.Serialize(&buf, e); err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}
	got, err := s.Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize() failed: %v", err)
	}

	if got.RuntimeID != e.RuntimeID || got.Name != e.Name || len(got.Components) != 2 {
		t.Fatalf("Deserialize() = %+v, want %+v", got, e)
	}
	if got.Components[0].Fields["y"] != "-2" {
		t.Errorf("lost component field: %+v", got.Components[0])
	}
}

func TestSerializerIsDeterministic(t *testing.T) {
	s := newTestSerializer(t)
	e := &Entity{Name: "a", Components: []Component{{Type: "t", Fields: map[string]string{"b": "2", "a": "1", "c": "3"}}}}

	var first, second bytes.Buffer
	_ = s.Serialize(&first, e)
	_ = s.Serialize(&second, e.Clone())
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("equal entities serialized differently")
	}
}

func TestSerializerRejectsForeignEntity(t *testing.T) {
	s := newTestSerializer(t)
	err := s.Serialize(&bytes.Buffer{}, foreignEntity{})
	if !errors.Is(err, ErrNotWorldEntity) {
		t.Fatalf("expected ErrNotWorldEntity, got %v", err)
	}
}

func TestDeserializeGarbage(t *testing.T) {
	s := newTestSerializer(t)
	if _, err := s.Deserialize(bytes.NewReader([]byte{0xFF, 0x00})); err == nil {
		t.Fatal("expected error for invalid cbor")
	}
}
