package netbind

import (
	"fmt"
	"maps"
	"slices"

	"github.com/earthring/netbind/internal/wire"
)

// BindMap maps a component slot on the master entity to the component id
// used on proxies. It is replicated but nothing populates it yet.
type BindMap map[uint32]uint32

func (m BindMap) Clone() BindMap {
	return maps.Clone(m)
}

// BindMapMarshaler writes entries sorted by key so equal maps encode equally.
type BindMapMarshaler struct{}

func (BindMapMarshaler) Marshal(wb *wire.WriteBuffer, m BindMap) {
	keys := slices.Sorted(maps.Keys(m))
	wb.WriteVlqU32(uint32(len(keys)))
	for _, k := range keys {
		wb.WriteVlqU32(k)
		wb.WriteVlqU32(m[k])
	}
}

func (BindMapMarshaler) Unmarshal(rb *wire.ReadBuffer) (BindMap, error) {
	n, err := rb.ReadVlqU32()
	if err != nil {
		return nil, fmt.Errorf("failed to read bind map size: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if int(n) > rb.Remaining() {
		return nil, wire.ErrTruncated
	}
	m := make(BindMap, n)
	for i := uint32(0); i < n; i++ {
		k, err := rb.ReadVlqU32()
		if err != nil {
			return nil, fmt.Errorf("failed to read bind map key: %w", err)
		}
		v, err := rb.ReadVlqU32()
		if err != nil {
			return nil, fmt.Errorf("failed to read bind map value: %w", err)
		}
		m[k] = v
	}
	return m, nil
}
