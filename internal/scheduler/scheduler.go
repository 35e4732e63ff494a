// Package scheduler paces one game's feeder output into the broker's scores
// channel while honoring control-driven state transitions.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/events"
	"gamecast/broker/internal/feeder"
	"gamecast/broker/internal/logging"
)

// State is the scheduler state machine's current value.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateOngoing    State = "ONGOING"
	StatePaused     State = "PAUSED"
	StateAutoplay   State = "AUTOPLAY"
)

// DefaultPauseTimeout bounds how long a paused scheduler waits before
// auto-resuming into AUTOPLAY.
const DefaultPauseTimeout = 60 * time.Second

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithInterval sets the initial inter-emission interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPauseTimeout sets the pause-deadline duration before auto-resume.
func WithPauseTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pauseTimeout = d
		}
	}
}

// WithLogger attaches a structured logger; defaults to a no-op discard logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler drives one game's feeder into the broker's scores channel at a
// configurable pace, consuming control messages from the broker's controls
// channel to transition its state machine.
type Scheduler struct {
	gameID string
	broker broker.Broker
	feeder feeder.Feeder
	logger *logging.Logger

	mu           sync.Mutex
	state        State
	interval     time.Duration
	pauseTimeout time.Duration
	gate         *gate
	sleepCancel  context.CancelFunc
	pauseTimer   *time.Timer
}

// New constructs a scheduler for gameID, initially in NOT_STARTED.
func New(gameID string, br broker.Broker, fd feeder.Feeder, opts ...Option) *Scheduler {
	s := &Scheduler{
		gameID:       gameID,
		broker:       br,
		feeder:       fd,
		state:        StateNotStarted,
		interval:     time.Second,
		pauseTimeout: DefaultPauseTimeout,
		gate:         newGate(false),
		logger:       logging.NewTestLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions NOT_STARTED -> ONGOING and releases the gate.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.state = StateOngoing
	s.mu.Unlock()
	s.gate.Set()
}

// Pause clears the gate, transitions to PAUSED, cancels the in-flight sleep,
// and arms the pause-deadline timer.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.state = StatePaused
	s.stopPauseTimerLocked()
	s.pauseTimer = time.AfterFunc(s.pauseTimeout, s.onPauseDeadline)
	cancel := s.sleepCancel
	s.mu.Unlock()

	s.gate.Clear()
	if cancel != nil {
		cancel()
	}
}

// Resume cancels the pause deadline and transitions PAUSED -> ONGOING.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.state = StateOngoing
	s.stopPauseTimerLocked()
	s.mu.Unlock()
	s.gate.Set()
}

func (s *Scheduler) onPauseDeadline() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateAutoplay
	s.pauseTimer = nil
	s.mu.Unlock()
	s.gate.Set()
}

func (s *Scheduler) stopPauseTimerLocked() {
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
}

// AdjustSpeed updates the inter-emission interval and cancels the in-flight
// sleep so the new speed takes effect immediately. A non-positive speed is a
// no-op.
func (s *Scheduler) AdjustSpeed(seconds float64) {
	if seconds <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = time.Duration(seconds * float64(time.Second))
	cancel := s.sleepCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetMetadata returns the feeder's static details with GameState replaced by
// the scheduler's live state, matching the documented
// {game_state, ...feeder header} join reply shape.
func (s *Scheduler) GetMetadata() (feeder.Details, error) {
	details, err := s.feeder.GetGameDetails()
	if err != nil {
		return feeder.Details{}, err
	}
	details.GameState = string(s.State())
	return details, nil
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Run drives the feeder into the broker until the feeder is exhausted, ctx
// is cancelled, or an unrecoverable feeder error occurs. It runs the control
// subscription as a separate concurrent task and guarantees feeder cleanup
// exactly once on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	controlCtx, cancelControls := context.WithCancel(ctx)
	controlsDone := make(chan struct{})
	go func() {
		defer close(controlsDone)
		s.subscribeControls(controlCtx)
	}()

	defer func() {
		cancelControls()
		<-controlsDone
		if err := s.feeder.Cleanup(); err != nil {
			s.logger.Warn("feeder cleanup failed", logging.String("game_id", s.gameID), logging.Error(err))
		}
	}()

	for {
		if err := s.gate.Wait(ctx); err != nil {
			return nil
		}

		record, err := s.feeder.NextScore()
		if errors.Is(err, feeder.ErrExhausted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feeder next score: %w", err)
		}

		envelope := events.NewScoreUpdate(s.gameID, record)
		payload, err := envelope.Marshal()
		if err != nil {
			return fmt.Errorf("marshal score update: %w", err)
		}
		if _, err := s.broker.Publish(ctx, s.gameID, string(events.ChannelScores), payload); err != nil {
			return fmt.Errorf("publish score update: %w", err)
		}

		s.sleep(ctx, s.currentInterval())
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// sleep is an interruptible sleep: it returns normally either on timeout or
// on cancellation via AdjustSpeed/Pause, never surfacing cancellation as an
// error to the caller.
func (s *Scheduler) sleep(parent context.Context, d time.Duration) {
	sleepCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.sleepCancel = cancel
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sleepCtx.Done():
	}

	s.mu.Lock()
	if s.sleepCancel != nil {
		s.sleepCancel()
		s.sleepCancel = nil
	}
	s.mu.Unlock()
	cancel()
}

type controlSpeedPayload struct {
	Speed float64 `json:"speed"`
}

// subscribeControls consumes the broker's controls channel for this game and
// dispatches each recognized control event to the matching state-transition
// method. Runs until ctx is cancelled or the subscription stream ends.
func (s *Scheduler) subscribeControls(ctx context.Context) {
	sub, err := s.broker.Subscribe(ctx, s.gameID, []string{string(events.ChannelControls)})
	if err != nil {
		s.logger.Error("control subscription failed", logging.String("game_id", s.gameID), logging.Error(err))
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.handleControl(raw)
		}
	}
}

func (s *Scheduler) handleControl(raw []byte) {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		s.logger.Warn("unrecognized control message", logging.String("game_id", s.gameID), logging.Error(err))
		return
	}
	switch env.Type {
	case events.TypeControlStart:
		s.Start()
	case events.TypeControlPause:
		s.Pause()
	case events.TypeControlResume:
		s.Resume()
	case events.TypeControlSpeed:
		var payload controlSpeedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logger.Warn("invalid speed control payload", logging.String("game_id", s.gameID))
			return
		}
		s.AdjustSpeed(payload.Speed)
	default:
		s.logger.Warn("control message not handled by scheduler", logging.String("game_id", s.gameID), logging.String("type", string(env.Type)))
	}
}
