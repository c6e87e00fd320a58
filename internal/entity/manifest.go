package entity

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/earthring/netbind/internal/netbind"
)

// Manifest describes a level: its static entities, the slice assets it
// can instantiate, the slice instances spawned on load, and procedural
// entities created by the master.
type Manifest struct {
	Level      string          `yaml:"level" validate:"required"`
	Entities   []EntityDef     `yaml:"entities" validate:"unique=Name,dive"`
	Slices     []SliceDef      `yaml:"slices" validate:"unique=Name,dive"`
	Instances  []InstanceDef   `yaml:"instances" validate:"dive"`
	Procedural []ProceduralDef `yaml:"procedural" validate:"dive"`
}

// EntityDef is an authored entity. A zero StaticID is assigned from the
// static id store on load.
type EntityDef struct {
	Name       string      `yaml:"name" validate:"required"`
	StaticID   uint64      `yaml:"staticId"`
	Components []Component `yaml:"components" validate:"dive"`
}

// SliceDef is a reusable group of template entities.
type SliceDef struct {
	Name     string      `yaml:"name" validate:"required"`
	GUID     string      `yaml:"guid" validate:"required,uuid"`
	SubID    uint32      `yaml:"subId"`
	Entities []EntityDef `yaml:"entities" validate:"required,min=1,unique=Name,dive"`
}

// AssetID returns the parsed slice asset id.
func (d SliceDef) AssetID() netbind.SliceAssetID {
	return netbind.SliceAssetID{GUID: uuid.MustParse(d.GUID), SubID: d.SubID}
}

// InstanceDef spawns one dynamic instance of a slice on load.
type InstanceDef struct {
	Slice string `yaml:"slice" validate:"required"`
}

// ProceduralDef is an entity created at runtime rather than authored.
// InContext entities still belong to the level context.
type ProceduralDef struct {
	EntityDef `yaml:",inline"`
	InContext bool `yaml:"inContext"`
}

var manifestValidator = validator.New()

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// Validate checks the manifest structure and that every instance names a
// declared slice.
func (m *Manifest) Validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	for _, inst := range m.Instances {
		if _, ok := m.Slice(inst.Slice); !ok {
			return fmt.Errorf("invalid manifest: instance of unknown slice %q", inst.Slice)
		}
	}
	return nil
}

// Slice finds a slice definition by name.
func (m *Manifest) Slice(name string) (SliceDef, bool) {
	for _, s := range m.Slices {
		if s.Name == name {
			return s, true
		}
	}
	return SliceDef{}, false
}
