package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gamecast/broker/internal/auth"
	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/events"
	"gamecast/broker/internal/feeder"
	"gamecast/broker/internal/registry"
	"gamecast/broker/internal/relay"
	"gamecast/broker/internal/scheduler"
	"gamecast/broker/internal/transport"
)

type stubFeeder struct{}

func (stubFeeder) GetGameDetails() (feeder.Details, error) { return feeder.Details{GameID: "g1"}, nil }
func (stubFeeder) NextScore() (json.RawMessage, error)     { return json.RawMessage(`{"p":1}`), nil }
func (stubFeeder) Cleanup() error                          { return nil }

func newActiveRegistry(t *testing.T, br broker.Broker, gameID string) *registry.Registry {
	t.Helper()
	reg := registry.New(func(id string) (*scheduler.Scheduler, error) {
		return scheduler.New(id, br, stubFeeder{}, scheduler.WithInterval(time.Hour)), nil
	})
	s, err := reg.CreateOrGet(context.Background(), gameID)
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	s.Start()
	return reg
}

func drainReply(t *testing.T, client *transport.Client) events.Envelope {
	t.Helper()
	select {
	case raw := <-client.Outbox():
		env, err := events.ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("no reply received")
	}
	return events.Envelope{}
}

func TestRouterDispatchUnregisteredTypeRepliesError(t *testing.T) {
	hub := transport.NewHub(nil)
	r := New(hub)
	client := transport.NewTestClient("c1")

	payload, _ := events.Envelope{Type: events.TypeScoreUpdate, GameID: "g1"}.Marshal()
	r.Dispatch(client, payload)

	env := drainReply(t, client)
	if env.Type != events.TypeError {
		t.Fatalf("expected error reply, got %v", env.Type)
	}
}

func TestControlHandlerRejectsInvalidToken(t *testing.T) {
	br := broker.NewMemoryBroker()
	reg := newActiveRegistry(t, br, "g1")
	validator := auth.ValidatorFunc(func(token string) bool { return token == "good" })

	handler := NewControlHandler(validator, reg, br)
	client := transport.NewTestClient("c1")
	data, _ := json.Marshal(map[string]string{"token": "bad"})
	env := events.Envelope{Type: events.TypeControlPause, GameID: "g1", Data: data}

	if err := handler(context.Background(), client, env); err != ErrUnauthorizedControl {
		t.Fatalf("expected ErrUnauthorizedControl, got %v", err)
	}
}

func TestControlHandlerPublishesStrippedCommand(t *testing.T) {
	br := broker.NewMemoryBroker()
	reg := newActiveRegistry(t, br, "g1")
	validator := auth.ValidatorFunc(func(token string) bool { return token == "good" })

	sub, err := br.Subscribe(context.Background(), "g1", []string{string(events.ChannelControls)})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	handler := NewControlHandler(validator, reg, br)
	client := transport.NewTestClient("c1")
	data, _ := json.Marshal(map[string]string{"token": "good", "extra": "ignored"})
	env := events.Envelope{Type: events.TypeControlPause, GameID: "g1", Data: data}

	if err := handler(context.Background(), client, env); err != nil {
		t.Fatalf("handler: %v", err)
	}

	select {
	case raw := <-sub.Messages():
		published, err := events.ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		if published.Type != events.TypeControlPause {
			t.Fatalf("unexpected type %v", published.Type)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(published.Data, &fields); err != nil {
			t.Fatalf("unmarshal published data: %v", err)
		}
		if _, ok := fields["token"]; ok {
			t.Fatalf("expected token to be stripped from published command")
		}
	case <-time.After(time.Second):
		t.Fatalf("control command was never published")
	}
}

func TestControlHandlerRejectsInactiveGame(t *testing.T) {
	br := broker.NewMemoryBroker()
	reg := registry.New(func(id string) (*scheduler.Scheduler, error) {
		return scheduler.New(id, br, stubFeeder{}), nil
	})
	validator := auth.ValidatorFunc(func(token string) bool { return true })
	handler := NewControlHandler(validator, reg, br)

	client := transport.NewTestClient("c1")
	data, _ := json.Marshal(map[string]string{"token": "good"})
	env := events.Envelope{Type: events.TypeControlPause, GameID: "missing", Data: data}

	if err := handler(context.Background(), client, env); err == nil {
		t.Fatalf("expected error for inactive game")
	}
}

func TestJoinHandlerJoinsRoomAndRepliesWithDetails(t *testing.T) {
	br := broker.NewMemoryBroker()
	reg := newActiveRegistry(t, br, "g1")
	hub := transport.NewHub(nil)
	rel := relay.New(br, hub)

	handler := NewJoinHandler(hub, reg, rel, nil)
	client := transport.NewTestClient("c1")

	env := events.Envelope{Type: events.TypeJoin, GameID: "g1"}
	if err := handler(context.Background(), client, env); err != nil {
		t.Fatalf("handler: %v", err)
	}

	reply := drainReply(t, client)
	if reply.Type != events.TypeJoin || reply.GameID != "g1" {
		t.Fatalf("unexpected join reply: %+v", reply)
	}
	var details feeder.Details
	if err := json.Unmarshal(reply.Data, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.GameState != "ONGOING" {
		t.Fatalf("unexpected details: %+v", details)
	}
	if client.GameID() != "g1" {
		t.Fatalf("expected client joined to g1, got %q", client.GameID())
	}
}

func TestJoinHandlerRejectsInactiveGame(t *testing.T) {
	br := broker.NewMemoryBroker()
	reg := registry.New(func(id string) (*scheduler.Scheduler, error) {
		return scheduler.New(id, br, stubFeeder{}), nil
	})
	hub := transport.NewHub(nil)
	rel := relay.New(br, hub)

	handler := NewJoinHandler(hub, reg, rel, nil)
	client := transport.NewTestClient("c1")
	env := events.Envelope{Type: events.TypeJoin, GameID: "missing"}

	if err := handler(context.Background(), client, env); err == nil {
		t.Fatalf("expected error for inactive game")
	}
}
