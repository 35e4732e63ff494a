package archive

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// ExportEntry is one score record rehydrated from an exported snapshot.
type ExportEntry struct {
	Seq        uint64
	CapturedAt time.Time
	Payload    json.RawMessage
}

// LoadExport reads and decodes a single-file export produced by Exporter.Export.
func LoadExport(path string) ([]ExportEntry, error) {
	if path == "" {
		return nil, fmt.Errorf("export path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Scores []struct {
			Seq        uint64          `json:"seq"`
			CapturedAt string          `json:"captured_at"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"scores"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	entries := make([]ExportEntry, 0, len(envelope.Scores))
	for _, score := range envelope.Scores {
		captured, err := time.Parse(time.RFC3339Nano, score.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse score captured_at: %w", err)
		}
		entries = append(entries, ExportEntry{
			Seq:        score.Seq,
			CapturedAt: captured,
			Payload:    append(json.RawMessage(nil), score.Payload...),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
