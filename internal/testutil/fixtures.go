package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestFixtures provides test data generators
type TestFixtures struct{}

// NewTestFixtures creates a new test fixtures helper
func NewTestFixtures() *TestFixtures {
	return &TestFixtures{}
}

// RandomString generates a random string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	seed := time.Now().UnixNano()
	for i := range b {
		seed = seed*1103515245 + 12345 // Simple LCG
		idx := int(seed % int64(len(charset)))
		if idx < 0 {
			idx = -idx
		}
		b[i] = charset[idx]
	}
	return string(b)
}

// RandomPeerName generates a random peer name
func RandomPeerName() string {
	return "peer_" + RandomString(8)
}

// RandomLevelName generates a random level name, useful to keep database
// rows of parallel tests apart.
func RandomLevelName() string {
	return "level_" + RandomString(8)
}

// TestPeerData represents the credentials a peer joins with
type TestPeerData struct {
	Name   string
	Secret string
}

// NewTestPeer creates test peer data
func (f *TestFixtures) NewTestPeer() TestPeerData {
	return TestPeerData{
		Name:   RandomPeerName(),
		Secret: TestPeerSecret,
	}
}

// TestPeerSecret is the shared secret test servers are configured with.
const TestPeerSecret = "harbor-shared-secret"

// HarborManifest is a small level: two authored entities, one slice with
// two entities (one ownership-locked), one slice instance and two
// procedural entities.
const HarborManifest = `
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

// WriteManifest writes a level manifest into the test's temp dir and
// returns its path.
func WriteManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "level.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return path
}
