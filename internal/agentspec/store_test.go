package agentspec

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeAgent(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestStoreLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "support.yaml", "agent_id: support\nprompt: hello\n")
	writeAgent(t, dir, "sales.yml", "agent_id: sales\nvoice: cedar\n")
	writeAgent(t, dir, "notes.txt", "not an agent file")
	writeAgent(t, dir, "broken.yaml", "agent_id: [\n")

	store, err := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ids := store.IDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "sales" || ids[1] != "support" {
		t.Fatalf("ids = %v", ids)
	}

	spec, ok := store.Get("sales")
	if !ok || spec.Voice != "cedar" {
		t.Errorf("sales spec = %+v, %v", spec, ok)
	}
	if _, ok := store.Get("broken"); ok {
		t.Error("unparseable file must be skipped")
	}
}

func TestStoreDefaultOnlyWithSingleAgent(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "solo.yaml", "agent_id: solo\n")

	store, err := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	spec, ok := store.Default()
	if !ok || spec.AgentID != "solo" {
		t.Fatalf("default = %+v, %v", spec, ok)
	}

	writeAgent(t, dir, "second.yaml", "agent_id: second\n")
	if err := store.reload(); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Default(); ok {
		t.Error("default must be unavailable with two agents")
	}
}

func TestStoreDuplicateIDKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "a.yaml", "agent_id: support\nvoice: marin\n")
	writeAgent(t, dir, "b.yaml", "agent_id: support\nvoice: cedar\n")

	store, err := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if got := store.IDs(); len(got) != 1 {
		t.Fatalf("ids = %v", got)
	}
	spec, _ := store.Get("support")
	if spec.Voice != "marin" {
		t.Errorf("voice = %q, want the first file's value", spec.Voice)
	}
}

func TestStoreWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "support.yaml", "agent_id: support\n")

	store, err := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Watch(); err != nil {
		t.Fatal(err)
	}

	writeAgent(t, dir, "sales.yaml", "agent_id: sales\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get("sales"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("new definition never loaded")
}
