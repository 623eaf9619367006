package journal

import (
	"os"
	"testing"
	"time"

	"github.com/pixil98/go-testutil"

	"realmsync/sim"
	"realmsync/state"
	"realmsync/world"
)

func update(tick uint64, at time.Time) sim.WorldUpdate {
	return sim.WorldUpdate{
		Players: []state.View{{
			UserID:   1,
			Username: "alice",
			Position: world.Vec{X: float64(tick), Y: 2},
		}},
		Tick:      tick,
		Timestamp: at.UnixMilli(),
		Delta:     50,
	}
}

func TestWriter_RecordAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "test")
	base := time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

	for i := uint64(1); i <= 3; i++ {
		if err := w.Record(update(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := w.Path(base)
	testutil.AssertEqual(t, "path", path, dir+"/test-2026-03-04-10.jsonl.zst")

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	testutil.AssertEqual(t, "entries", len(entries), 3)
	testutil.AssertEqual(t, "lines", w.Lines(), int64(3))
	for i, e := range entries {
		testutil.AssertEqual(t, "type", e.Type, "world:update")
		testutil.AssertEqual(t, "tick", e.Tick, uint64(i+1))
		testutil.AssertEqual(t, "x", e.Players[0].Position.X, float64(i+1))
	}
}

func TestWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "")
	first := time.Date(2026, 3, 4, 10, 59, 59, 0, time.UTC)
	second := first.Add(2 * time.Second)

	if err := w.Record(update(1, first)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w.Record(update(2, second)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, at := range []time.Time{first, second} {
		entries, err := ReadFile(w.Path(at))
		if err != nil {
			t.Fatalf("read %s: %v", w.Path(at), err)
		}
		testutil.AssertEqual(t, "entries in "+w.Path(at), len(entries), 1)
	}
}

func TestWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	for i := uint64(1); i <= 2; i++ {
		w := NewWriter(dir, "world")
		if err := w.Record(update(i, at)); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	entries, err := ReadFile(NewWriter(dir, "world").Path(at))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	testutil.AssertEqual(t, "entries", len(entries), 2)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(t.TempDir() + "/nope.jsonl.zst")
	if !os.IsNotExist(err) {
		t.Errorf("error = %v, want not-exist", err)
	}
}
