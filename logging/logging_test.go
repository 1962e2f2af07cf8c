package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLBeforeInitIsUsable(t *testing.T) {
	L().Info("dropped", String("k", "v"))
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projsync.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		mu.Lock()
		globalLogger = nil
		mu.Unlock()
	})

	L().Debug("negotiation started", NegotiationID("n-1"), Peer("bob"))
	_ = Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(raw)
	for _, want := range []string{`"negotiation_id":"n-1"`, `"peer":"bob"`, `"level":"debug"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	SetLevel("warn")
	if globalLevel.Level().String() != "warn" {
		t.Fatalf("level = %s, want warn", globalLevel.Level())
	}
	SetLevel("bogus")
	if globalLevel.Level().String() != "warn" {
		t.Fatalf("level changed to %s on bogus input", globalLevel.Level())
	}
	SetLevel("info")
}
