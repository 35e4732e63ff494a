package archive

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// EventRecord is one decoded entry from an archived event log.
type EventRecord struct {
	Seq        uint64
	CapturedAt time.Time
	Type       string
	Payload    []byte
}

// CheckpointRecord is one decoded entry from an archived checkpoint log.
type CheckpointRecord struct {
	Seq        uint64
	CapturedAt time.Time
	Payload    []byte
}

// ReadEvents decodes every event record from an archive bundle directory.
func ReadEvents(dir string) ([]EventRecord, error) {
	file, err := os.Open(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := snappy.NewReader(file)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var records []EventRecord
	for scanner.Scan() {
		var raw struct {
			Seq        uint64 `json:"seq"`
			CapturedAt string `json:"captured_at"`
			Type       string `json:"type"`
			PayloadB64 string `json:"payload_b64"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(raw.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		records = append(records, EventRecord{Seq: raw.Seq, CapturedAt: captured, Type: raw.Type, Payload: payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadCheckpoints decodes every checkpoint record from an archive bundle directory.
func ReadCheckpoints(dir string) ([]CheckpointRecord, error) {
	file, err := os.Open(filepath.Join(dir, "checkpoints.bin.zst"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var records []CheckpointRecord
	header := make([]byte, 8+8+4)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read checkpoint header: %w", err)
		}
		seq := binary.LittleEndian.Uint64(header[0:8])
		capturedAtNanos := int64(binary.LittleEndian.Uint64(header[8:16]))
		payloadLen := binary.LittleEndian.Uint32(header[16:20])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read checkpoint payload: %w", err)
		}
		records = append(records, CheckpointRecord{
			Seq:        seq,
			CapturedAt: time.Unix(0, capturedAtNanos).UTC(),
			Payload:    payload,
		})
	}
	return records, nil
}
