// Package archive persists one game's score event stream to disk for later
// inspection, plus periodic checkpoints of the latest feeder cursor, and
// prunes old artefacts according to a retention policy.
package archive

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var gameIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// CheckpointInterval bounds how often buffered checkpoints flush to disk.
const CheckpointInterval = 5 * time.Second

type checkpointBlob struct {
	Seq        uint64
	CapturedAt time.Time
	Payload    []byte
}

// Manifest describes an archived game's on-disk layout.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	GameID          string `json:"game_id"`
	EventsPath      string `json:"events_path"`
	CheckpointsPath string `json:"checkpoints_path"`
}

// Writer streams one game's score events to a snappy-compressed JSONL file
// and buffers periodic checkpoints into a zstd-compressed binary log.
type Writer struct {
	mu               sync.Mutex
	dir              string
	gameID           string
	now              func() time.Time
	eventFile        *os.File
	eventStream      *snappy.Writer
	checkpointFile   *os.File
	checkpointStream *zstd.Encoder
	pending          []checkpointBlob
	lastFlush        time.Time
}

// NewWriter prepares the archive directory for gameID and opens its sinks.
func NewWriter(root, gameID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("archive root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := gameIDCleaner.ReplaceAllString(gameID, "")
	if cleaned == "" {
		cleaned = "game"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	checkpointsPath := filepath.Join(path, "checkpoints.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	checkpointFile, err := os.Create(checkpointsPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	checkpointStream, err := zstd.NewWriter(checkpointFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		checkpointFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		GameID:          gameID,
		EventsPath:      "events.jsonl.sz",
		CheckpointsPath: "checkpoints.bin.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		checkpointStream.Close()
		checkpointFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		checkpointStream.Close()
		checkpointFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:              path,
		gameID:           gameID,
		now:              clock,
		eventFile:        eventFile,
		eventStream:      eventStream,
		checkpointFile:   checkpointFile,
		checkpointStream: checkpointStream,
	}

	return writer, manifest, nil
}

// Directory exposes the directory backing the archive bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (w *Writer) AppendEvent(seq uint64, eventType string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	record := struct {
		Seq        uint64 `json:"seq"`
		CapturedAt string `json:"captured_at"`
		Type       string `json:"type"`
		PayloadB64 string `json:"payload_b64"`
	}{
		Seq:        seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendCheckpoint buffers a checkpoint until the configured cadence is reached.
func (w *Writer) AppendCheckpoint(seq uint64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, checkpointBlob{Seq: seq, CapturedAt: captured, Payload: clone})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= CheckpointInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces pending checkpoints to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close flushes all buffers, persists the header, and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	headerPath := filepath.Join(w.dir, "header.json")
	header := Header{SchemaVersion: HeaderSchemaVersion, GameID: w.gameID, FilePointer: "manifest.json"}
	if err := WriteHeader(headerPath, header); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.checkpointStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.checkpointFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered checkpoints to the zstd stream; callers must
// hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, cp := range w.pending {
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], cp.Seq)
		binary.LittleEndian.PutUint64(header[8:16], uint64(cp.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(cp.Payload)))
		if _, err := w.checkpointStream.Write(header); err != nil {
			return err
		}
		if _, err := w.checkpointStream.Write(cp.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
