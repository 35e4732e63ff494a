package archive

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var exportIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ScoreRecord is one buffered score event awaiting export.
type ScoreRecord struct {
	Seq        uint64
	CapturedAt time.Time
	Payload    []byte
}

// ExportStats summarises an exporter's buffered and exported state.
type ExportStats struct {
	BufferedRecords int
	BufferedBytes   int64
	Exports         int64
	LastExportURI   string
	LastExportTime  time.Time
}

// Exporter buffers score records in memory and, on demand, dumps them as one
// portable gzip-compressed JSON file — a single downloadable snapshot,
// distinct from Writer's continuously streamed archive bundle.
type Exporter struct {
	mu         sync.Mutex
	dir        string
	now        func() time.Time
	records    []ScoreRecord
	bytes      int64
	exports    int64
	lastExport time.Time
	lastURI    string
}

// NewExporter constructs an exporter that writes single-file exports into dir.
func NewExporter(dir string, clock func() time.Time) (*Exporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("export directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Exporter{dir: dir, now: clock}, nil
}

// Record buffers one score event for the next Export call.
func (e *Exporter) Record(seq uint64, payload []byte) {
	if e == nil || len(payload) == 0 {
		return
	}
	clone := append([]byte(nil), payload...)
	captured := e.now().UTC()

	e.mu.Lock()
	e.records = append(e.records, ScoreRecord{Seq: seq, CapturedAt: captured, Payload: clone})
	e.bytes += int64(len(clone))
	e.mu.Unlock()
}

// Export writes every buffered record to a single gzip-compressed JSON file
// and clears the buffer, returning the file's path. gameID only names the
// file; records of every game are included.
func (e *Exporter) Export(gameID string) (string, error) {
	if e == nil {
		return "", fmt.Errorf("exporter not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.records) == 0 {
		return "", fmt.Errorf("no score records buffered")
	}

	cleanedID := exportIDCleaner.ReplaceAllString(gameID, "")
	if cleanedID == "" {
		cleanedID = "game"
	}
	timestamp := e.now().UTC().Format("20060102T150405Z")
	filename := fmt.Sprintf("%s-%s.json.gz", cleanedID, timestamp)
	path := filepath.Join(e.dir, filename)

	envelope := struct {
		SavedAt string `json:"saved_at"`
		Scores  []struct {
			Seq        uint64          `json:"seq"`
			CapturedAt string          `json:"captured_at"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"scores"`
	}{SavedAt: timestamp}
	envelope.Scores = make([]struct {
		Seq        uint64          `json:"seq"`
		CapturedAt string          `json:"captured_at"`
		Payload    json.RawMessage `json:"payload"`
	}, len(e.records))
	for idx, rec := range e.records {
		envelope.Scores[idx].Seq = rec.Seq
		envelope.Scores[idx].CapturedAt = rec.CapturedAt.Format(time.RFC3339Nano)
		envelope.Scores[idx].Payload = json.RawMessage(rec.Payload)
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	writer := gzip.NewWriter(file)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	e.records = nil
	e.bytes = 0
	e.exports++
	e.lastExport = e.now().UTC()
	e.lastURI = path
	return path, nil
}

// Stats reports the exporter's current buffered and export counters.
func (e *Exporter) Stats() ExportStats {
	if e == nil {
		return ExportStats{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExportStats{
		BufferedRecords: len(e.records),
		BufferedBytes:   e.bytes,
		Exports:         e.exports,
		LastExportURI:   e.lastURI,
		LastExportTime:  e.lastExport,
	}
}
