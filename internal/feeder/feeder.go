// Package feeder provides a lazy, batched source of score events for one
// game, plus its one-shot metadata, in file-backed and store-backed variants.
package feeder

import (
	"encoding/json"
	"errors"
)

// ErrExhausted signals that a feeder has no further records to yield.
var ErrExhausted = errors.New("feeder exhausted")

// ErrNotFound signals that the underlying source for a game does not exist.
var ErrNotFound = errors.New("game source not found")

// ErrCorrupt signals that the underlying source exists but is structurally invalid.
var ErrCorrupt = errors.New("game source corrupt")

// Details is the once-cached metadata describing a game.
type Details struct {
	GameID    string          `json:"game_id"`
	Teams     json.RawMessage `json:"teams,omitempty"`
	GameState string          `json:"game_state,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Feeder is a lazy, restart-free source of score events for one game.
//
// NextScore yields records one at a time in source order; internally it
// batches reads (file variant: one load; store variant: paged reads) but the
// contract exposed to callers is always "give me the next record or report
// end of stream". Cleanup is idempotent.
type Feeder interface {
	GetGameDetails() (Details, error)
	NextScore() (json.RawMessage, error)
	Cleanup() error
}
