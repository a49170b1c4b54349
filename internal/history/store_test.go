package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// failingKV fails every write and listing.
type failingKV struct {
	data map[string]string
}

func (f *failingKV) Get(key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}
func (f *failingKV) Put(key, value string) error { return errors.New("disk full") }
func (f *failingKV) Delete(key string) error     { delete(f.data, key); return nil }
func (f *failingKV) Keys(prefix string) ([]string, error) {
	return nil, errors.New("disk unreadable")
}

func interaction(n int) model.Interaction {
	return model.Interaction{
		ID:         fmt.Sprintf("it-%03d", n),
		UserInput:  fmt.Sprintf("message %d", n),
		AIResponse: fmt.Sprintf("reply %d", n),
	}
}

var (
	alice = model.NewPrincipal("alice")
	bob   = model.NewPrincipal("bob")
)

func TestLoad_Missing(t *testing.T) {
	h := NewStore(openTestStore(t), 0)

	got := h.Load(alice)
	if got == nil || len(got) != 0 {
		t.Errorf("Load missing = %v, want empty non-nil slice", got)
	}
}

func TestAppend_PreservesOrder(t *testing.T) {
	h := NewStore(openTestStore(t), 0)

	for i := 0; i < 10; i++ {
		if err := h.Append(alice, interaction(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got := h.Load(alice)
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	for i, it := range got {
		if it.ID != interaction(i).ID {
			t.Errorf("got[%d].ID = %q, want %q", i, it.ID, interaction(i).ID)
		}
	}
}

func TestAppend_TruncatesOldest(t *testing.T) {
	h := NewStore(openTestStore(t), 0)

	for i := 0; i < 105; i++ {
		if err := h.Append(alice, interaction(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got := h.Load(alice)
	if len(got) != 100 {
		t.Fatalf("len = %d, want 100", len(got))
	}
	if got[0].ID != "it-005" {
		t.Errorf("oldest = %q, want it-005", got[0].ID)
	}
	if got[99].ID != "it-104" {
		t.Errorf("newest = %q, want it-104", got[99].ID)
	}
}

func TestAppend_UpdatesActiveWindow(t *testing.T) {
	h := NewStore(openTestStore(t), 0)
	h.Switch(model.Guest, alice)

	h.Append(alice, interaction(1))
	h.Append(alice, interaction(2))

	w := h.Entries(alice)
	if len(w) != 2 || w[1].ID != "it-002" {
		t.Errorf("Entries = %v", w)
	}
	recent := h.Recent(alice, 1)
	if len(recent) != 1 || recent[0].ID != "it-002" {
		t.Errorf("Recent(1) = %v", recent)
	}
}

func TestSwitch_IsolatesPrincipals(t *testing.T) {
	kv := openTestStore(t)
	h := NewStore(kv, 0)

	h.Switch(model.Guest, alice)
	h.Append(alice, interaction(1))
	h.Append(alice, interaction(2))

	h.Switch(alice, bob)
	if w := h.Entries(bob); len(w) != 0 {
		t.Fatalf("bob's window = %v, want empty", w)
	}
	for _, it := range h.Load(bob) {
		if strings.HasPrefix(it.ID, "it-") {
			t.Errorf("bob sees alice's interaction %q", it.ID)
		}
	}

	h.Append(bob, model.Interaction{ID: "bob-1", AIResponse: "hi"})
	h.Switch(bob, alice)
	w := h.Entries(alice)
	if len(w) != 2 {
		t.Fatalf("alice's window len = %d, want 2", len(w))
	}
	for _, it := range w {
		if it.ID == "bob-1" {
			t.Error("alice sees bob's interaction")
		}
	}
}

func TestGuestIsolatedFromAuthenticated(t *testing.T) {
	h := NewStore(openTestStore(t), 0)

	h.Append(model.Guest, interaction(1))
	if got := h.Load(alice); len(got) != 0 {
		t.Errorf("alice sees guest history: %v", got)
	}
}

func TestLoad_CorruptDataDiscarded(t *testing.T) {
	kv := openTestStore(t)
	kv.Put(alice.HistoryKey(), "{not json")
	h := NewStore(kv, 0)

	got := h.Load(alice)
	if len(got) != 0 {
		t.Errorf("Load corrupt = %v, want empty", got)
	}
	if _, err := kv.Get(alice.HistoryKey()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("corrupt entry not removed: %v", err)
	}
}

func TestClear_RemovesPersistedEntry(t *testing.T) {
	kv := openTestStore(t)
	h := NewStore(kv, 0)
	h.Switch(model.Guest, alice)
	h.Append(alice, interaction(1))

	if err := h.Clear(alice); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := kv.Get(alice.HistoryKey()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Clear = %v, want ErrNotFound", err)
	}
	if w := h.Entries(alice); len(w) != 0 {
		t.Errorf("Entries after Clear = %v", w)
	}
}

func TestAppend_PersistFailureKeepsWindow(t *testing.T) {
	h := NewStore(&failingKV{data: map[string]string{}}, 0)
	h.Switch(model.Guest, alice)

	err := h.Append(alice, interaction(1))
	if err == nil {
		t.Fatal("expected persist error")
	}
	if w := h.Entries(alice); len(w) != 1 {
		t.Errorf("Entries = %v, want the appended interaction", w)
	}
}

func TestCapacity_Custom(t *testing.T) {
	h := NewStore(openTestStore(t), 3)
	for i := 0; i < 5; i++ {
		h.Append(alice, interaction(i))
	}
	got := h.Load(alice)
	if len(got) != 3 || got[0].ID != "it-002" {
		t.Errorf("Load = %v", got)
	}
}

func TestExporters(t *testing.T) {
	items := []model.Interaction{interaction(1), interaction(2)}

	for _, format := range []string{"json", "jsonl", "yaml"} {
		exp, err := NewExporter(format)
		if err != nil {
			t.Fatalf("NewExporter(%q): %v", format, err)
		}
		var buf bytes.Buffer
		if err := exp.Export(items, &buf); err != nil {
			t.Fatalf("%s export: %v", format, err)
		}
		if !strings.Contains(buf.String(), "it-002") {
			t.Errorf("%s output missing interaction: %s", format, buf.String())
		}
	}

	if _, err := NewExporter("csv"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestJSONLExporter_OneLinePerInteraction(t *testing.T) {
	exp, _ := NewExporter("jsonl")
	var buf bytes.Buffer
	exp.Export([]model.Interaction{interaction(1), interaction(2), interaction(3)}, &buf)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	var it model.Interaction
	if err := json.Unmarshal([]byte(lines[0]), &it); err != nil {
		t.Fatalf("line 0 not JSON: %v", err)
	}
}

func TestYAMLExporter_DateIsCanonical(t *testing.T) {
	d, _ := model.ParseDate("2024-05-01")
	it := interaction(1)
	it.Date = d

	exp, _ := NewExporter("yaml")
	var buf bytes.Buffer
	exp.Export([]model.Interaction{it}, &buf)

	out := buf.String()
	if !strings.Contains(out, "2024-05-01") {
		t.Errorf("yaml output missing canonical date: %s", out)
	}
	if strings.Contains(out, "year:") {
		t.Errorf("yaml output leaked date struct fields: %s", out)
	}
}

func TestPrincipals_ListsStoredHistories(t *testing.T) {
	s := NewStore(openTestStore(t), 0)

	ids, err := s.Principals()
	if err != nil || len(ids) != 0 {
		t.Fatalf("Principals on empty store = %v, %v", ids, err)
	}

	s.Append(model.NewPrincipal("7"), model.Interaction{ID: "a"})
	s.Append(model.Guest, model.Interaction{ID: "b"})
	s.Clear(model.NewPrincipal("7"))
	s.Append(model.NewPrincipal("12"), model.Interaction{ID: "c"})

	ids, err = s.Principals()
	if err != nil {
		t.Fatalf("Principals: %v", err)
	}
	if fmt.Sprint(ids) != "[12 guest]" {
		t.Errorf("Principals = %v, want [12 guest]", ids)
	}
}

func TestPrincipals_StorageError(t *testing.T) {
	s := NewStore(&failingKV{data: map[string]string{}}, 0)
	if _, err := s.Principals(); err == nil {
		t.Error("expected error from failing storage")
	}
}

func TestRecent_InactivePrincipalReadsOwnHistory(t *testing.T) {
	h := NewStore(openTestStore(t), 0)
	h.Switch(model.Guest, alice)
	h.Append(alice, interaction(1))
	h.Append(bob, model.Interaction{ID: "bob-1"})
	h.Append(bob, model.Interaction{ID: "bob-2"})

	got := h.Recent(bob, 1)
	if len(got) != 1 || got[0].ID != "bob-2" {
		t.Errorf("Recent(bob, 1) = %v, want [bob-2]", got)
	}
	if got := h.Recent(alice, 5); len(got) != 1 || got[0].ID != "it-001" {
		t.Errorf("Recent(alice, 5) = %v", got)
	}
	if got := h.Recent(alice, 0); got != nil {
		t.Errorf("Recent(alice, 0) = %v, want nil", got)
	}
}
