package entity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testManifest = `
level: harbor
entities:
  - name: lighthouse
    staticId: 10
    components:
      - type: transform
        fields: {x: "0", y: "40"}
  - name: dock
slices:
  - name: crate
    guid: 6f1d2c3b-4a59-4e6d-8f70-8192a3b4c5d6
    subId: 2
    entities:
      - name: box
        staticId: 1
      - name: lid
        staticId: 2
        components:
          - type: ownership
            fields: {locked: "true"}
instances:
  - slice: crate
procedural:
  - name: gull
    components:
      - type: ai
  - name: buoy
    inContext: true
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}

	if m.Level != "harbor" || len(m.Entities) != 2 || len(m.Slices) != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	crate, ok := m.Slice("crate")
	if !ok {
		t.Fatal("slice crate not found")
	}
	if id := crate.AssetID(); id.SubID != 2 || id.GUID.String() != "6f1d2c3b-4a59-4e6d-8f70-8192a3b4c5d6" {
		t.Errorf("unexpected asset id %s", id)
	}
	if !m.Procedural[1].InContext || m.Procedural[0].InContext {
		t.Errorf("unexpected procedural flags %+v", m.Procedural)
	}
	if m.Entities[0].Components[0].Fields["y"] != "40" {
		t.Errorf("lost component fields: %+v", m.Entities[0])
	}
}

func TestParseManifestInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing level", "entities: []\n"},
		{"bad guid", "level: a\nslices:\n  - name: s\n    guid: nope\n    entities:\n      - name: e\n"},
		{"empty slice", "level: a\nslices:\n  - name: s\n    guid: 6f1d2c3b-4a59-4e6d-8f70-8192a3b4c5d6\n"},
		{"duplicate entity names", "level: a\nentities:\n  - name: e\n  - name: e\n"},
		{"unknown instance slice", "level: a\ninstances:\n  - slice: ghost\n"},
		{"unknown field", "level: a\ncolour: red\n"},
		{"component without type", "level: a\nentities:\n  - name: e\n    components:\n      - fields: {a: b}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest(strings.NewReader(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.yaml")
	if err := os.WriteFile(path, []byte(testManifest), 0o600); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}
	if m.Level != "harbor" {
		t.Errorf("expected level harbor, got %s", m.Level)
	}

	if _, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
