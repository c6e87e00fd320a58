package replica

import (
	"errors"
	"time"

	"github.com/earthring/netbind/internal/wire"
)

var ErrReadOnly = errors.New("replica: record is read-only on proxy")

// DataSet is the type-erased view of a Record used by replicas.
type DataSet interface {
	Name() string
	IsDirty() bool
	MaxIdleTime() time.Duration

	marshal(wb *wire.WriteBuffer)
	unmarshal(rb *wire.ReadBuffer) error
	markSent(now time.Time)
	idleSince(now time.Time) time.Duration
	setReadOnly(readOnly bool)
}

// Record is a named replicated value. Only the master writes it, through
// Modify; proxies receive new values from the wire.
type Record[T any] struct {
	name      string
	value     T
	marshaler wire.Marshaler[T]
	readOnly  bool
	dirty     bool
	maxIdle   time.Duration
	sentAt    time.Time
	listeners []func(T)
}

// NewRecord creates a writable record holding initial.
func NewRecord[T any](name string, initial T, marshaler wire.Marshaler[T]) *Record[T] {
	return &Record[T]{
		name:      name,
		value:     initial,
		marshaler: marshaler,
	}
}

func (r *Record[T]) Name() string {
	return r.name
}

// Get returns the current value. Callers must treat it as read-only.
func (r *Record[T]) Get() T {
	return r.value
}

// IsDirty reports whether a committed change has not been sent yet.
func (r *Record[T]) IsDirty() bool {
	return r.dirty
}

// SetMaxIdleTime sets how long an unchanged value may go without being
// resent. Zero disables idle resends.
func (r *Record[T]) SetMaxIdleTime(d time.Duration) {
	r.maxIdle = d
}

func (r *Record[T]) MaxIdleTime() time.Duration {
	return r.maxIdle
}

// OnChange registers fn to run after every committed or received value.
func (r *Record[T]) OnChange(fn func(T)) {
	r.listeners = append(r.listeners, fn)
}

// Modify runs fn against a scratch copy of the current value. The returned
// value is committed only when fn reports success; nothing is observable
// otherwise.
func (r *Record[T]) Modify(fn func(current T) (T, bool)) (bool, error) {
	if r.readOnly {
		return false, ErrReadOnly
	}
	next, ok := fn(r.scratch())
	if !ok {
		return false, nil
	}
	r.value = next
	r.dirty = true
	r.notify()
	return true, nil
}

func (r *Record[T]) scratch() T {
	if c, ok := any(r.value).(interface{ Clone() T }); ok {
		return c.Clone()
	}
	return r.value
}

func (r *Record[T]) notify() {
	for _, fn := range r.listeners {
		fn(r.value)
	}
}

func (r *Record[T]) marshal(wb *wire.WriteBuffer) {
	r.marshaler.Marshal(wb, r.value)
}

func (r *Record[T]) unmarshal(rb *wire.ReadBuffer) error {
	v, err := r.marshaler.Unmarshal(rb)
	if err != nil {
		return err
	}
	r.value = v
	r.notify()
	return nil
}

func (r *Record[T]) markSent(now time.Time) {
	r.dirty = false
	r.sentAt = now
}

func (r *Record[T]) idleSince(now time.Time) time.Duration {
	return now.Sub(r.sentAt)
}

func (r *Record[T]) setReadOnly(readOnly bool) {
	r.readOnly = readOnly
}
