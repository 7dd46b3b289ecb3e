package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh-audit.jsonl")
	log := New(path)

	log.Append(Entry{From: "alpha", To: "bravo", Type: "request", ID: "msg_1", Subject: "q", Status: "sent"})
	log.Append(Entry{From: "bravo", To: "alpha", Type: "response", ID: "msg_2", Subject: "Re: q", Status: "received", CorrelationID: "msg_1"})

	entries, err := log.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].ID != "msg_1" || entries[1].CorrelationID != "msg_1" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].TS == "" {
		t.Fatal("timestamp not stamped")
	}
}

func TestTailBounded(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "a.jsonl"))
	for i := 0; i < 10; i++ {
		log.Append(Entry{ID: "msg", Status: "sent"})
	}
	entries, _ := log.Tail(3)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
}

func TestAppendIsValidJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	log := New(path)
	log.Append(Entry{From: "a", To: "b", Status: "sent", Body: "line\nbreak"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d not json: %v", lines, err)
		}
	}
	if lines != 1 {
		t.Fatalf("lines = %d, want exactly 1 per entry", lines)
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "a.jsonl"))
	var got []Entry
	log.Subscribe(func(e Entry) { got = append(got, e) })

	log.Append(Entry{ID: "msg_1", Status: "sent"})
	if len(got) != 1 || got[0].ID != "msg_1" {
		t.Fatalf("subscriber got %+v", got)
	}
}

func TestTailMissingFile(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "never-written.jsonl"))
	entries, err := log.Tail(5)
	if err != nil || entries != nil {
		t.Fatalf("tail on missing file: %v %v", entries, err)
	}
}
