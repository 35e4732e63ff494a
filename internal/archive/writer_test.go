package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterAppendAndFlushCadence(t *testing.T) {
	tmp := t.TempDir()
	base := time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	writer, manifest, err := NewWriter(tmp, "Game 1", clock)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	if manifest.GameID != "Game 1" {
		t.Fatalf("unexpected manifest game id: %+v", manifest)
	}

	if err := writer.AppendEvent(1, "score.update", []byte(`{"p":1}`)); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.AppendEvent(2, "score.update", []byte(`{"p":2}`)); err != nil {
		t.Fatalf("append event: %v", err)
	}

	checkpointPayload := []byte(`{"cursor":1}`)
	if err := writer.AppendCheckpoint(1, checkpointPayload); err != nil {
		t.Fatalf("append checkpoint 1: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := writer.AppendCheckpoint(2, checkpointPayload); err != nil {
		t.Fatalf("append checkpoint 2: %v", err)
	}
	now = now.Add(4 * time.Second)
	if err := writer.AppendCheckpoint(3, checkpointPayload); err != nil {
		t.Fatalf("append checkpoint 3: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(writer.Directory(), "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var onDisk Manifest
	if err := json.Unmarshal(manifestBytes, &onDisk); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if onDisk.EventsPath != "events.jsonl.sz" || onDisk.CheckpointsPath != "checkpoints.bin.zst" {
		t.Fatalf("unexpected manifest paths: %+v", onDisk)
	}

	header, err := ReadHeader(filepath.Join(writer.Directory(), "header.json"))
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.GameID != "Game 1" {
		t.Fatalf("unexpected header: %+v", header)
	}

	events, err := ReadEvents(writer.Directory())
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}

	checkpoints, err := ReadCheckpoints(writer.Directory())
	if err != nil {
		t.Fatalf("read checkpoints: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(checkpoints))
	}
}

func TestWriterCleanedDirectoryNameForUnsafeGameID(t *testing.T) {
	tmp := t.TempDir()
	writer, _, err := NewWriter(tmp, "../weird id!!", time.Now)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer writer.Close()

	if filepath.Dir(writer.Directory()) != tmp {
		t.Fatalf("expected archive directory to stay under root, got %q", writer.Directory())
	}
}
