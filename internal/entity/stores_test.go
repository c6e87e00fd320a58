package entity

import (
	"context"
	"testing"

	"github.com/earthring/netbind/internal/netbind"
)

func TestMemorySequenceStore(t *testing.T) {
	ctx := context.Background()
	s := &MemorySequenceStore{}

	for want := netbind.ContextSequence(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, "harbor")
		if err != nil || got != want {
			t.Fatalf("NextSequence() = %d, %v; want %d", got, err, want)
		}
	}

	s.last = ^netbind.ContextSequence(0)
	if got, _ := s.NextSequence(ctx, "harbor"); got != 1 {
		t.Errorf("expected wrap past the unspecified sequence to 1, got %d", got)
	}
}

func TestMemoryStaticIDStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStaticIDStore(100)

	dock, _ := s.StaticID(ctx, "harbor", "dock")
	pier, _ := s.StaticID(ctx, "harbor", "pier")
	again, _ := s.StaticID(ctx, "harbor", "dock")
	other, _ := s.StaticID(ctx, "reef", "dock")

	if dock != 101 || pier != 102 {
		t.Errorf("expected 101 and 102, got %d and %d", dock, pier)
	}
	if again != dock {
		t.Errorf("expected stable id %d, got %d", dock, again)
	}
	if other != 101 {
		t.Errorf("expected levels to count independently, got %d", other)
	}
}

func TestFixedSequenceStore(t *testing.T) {
	s := FixedSequenceStore{Sequence: 7}
	for i := 0; i < 2; i++ {
		if got, err := s.NextSequence(context.Background(), "harbor"); err != nil || got != 7 {
			t.Errorf("NextSequence() = %d, %v; want 7", got, err)
		}
	}
}
