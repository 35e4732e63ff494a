package feeder

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fixture is the on-disk shape of a gzip-compressed game fixture: a header
// object followed by the ordered list of score records.
type fixture struct {
	GameID    string            `json:"game_id"`
	Teams     json.RawMessage   `json:"teams,omitempty"`
	GameState string            `json:"game_state,omitempty"`
	Message   string            `json:"message,omitempty"`
	Scores    []json.RawMessage `json:"scores"`
}

// FileFeeder loads a whole gzip-compressed JSON fixture once and then serves
// its score list in order, one record per NextScore call.
type FileFeeder struct {
	mu      sync.Mutex
	details Details
	scores  []json.RawMessage
	cursor  int
	closed  bool
}

// NewFileFeeder loads the fixture for gameID from dir/<gameID><ext>.
func NewFileFeeder(dir, gameID, ext string) (*FileFeeder, error) {
	if strings.TrimSpace(gameID) == "" {
		return nil, fmt.Errorf("game id must not be empty")
	}
	path := filepath.Join(dir, gameID+ext)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if strings.TrimSpace(fx.GameID) == "" {
		fx.GameID = gameID
	}

	return &FileFeeder{
		details: Details{
			GameID:    fx.GameID,
			Teams:     fx.Teams,
			GameState: fx.GameState,
			Message:   fx.Message,
		},
		scores: fx.Scores,
	}, nil
}

// GetGameDetails returns the cached header loaded at construction time.
func (f *FileFeeder) GetGameDetails() (Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details, nil
}

// NextScore returns the next record in file order, or ErrExhausted once the
// whole one-shot batch has been consumed.
func (f *FileFeeder) NextScore() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.scores) {
		return nil, ErrExhausted
	}
	//1.- Hand out one record at a time even though the whole batch is resident.
	record := f.scores[f.cursor]
	f.cursor++
	return record, nil
}

// Cleanup releases the in-memory score buffer. Idempotent.
func (f *FileFeeder) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.scores = nil
	return nil
}
