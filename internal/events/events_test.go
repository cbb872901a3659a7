package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

type failingPublisher struct{ closed bool }

func (p *failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }
func (p *failingPublisher) Close() error                         { p.closed = true; return nil }

func TestMemoryBusConsume(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event := New(TypeDecision, 7, time.Unix(100, 0))
	event.Reason = "Daily limit reached"
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan Event, 1)
	go func() {
		_ = bus.Consume(ctx, 1, func(_ context.Context, e Event) error {
			got <- e
			cancel()
			return nil
		})
	}()
	select {
	case e := <-got:
		if e.ID != event.ID || e.Instance != 7 || e.Reason != event.Reason {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not consumed")
	}

	_ = bus.Close()
	if err := bus.Publish(context.Background(), event); err == nil {
		t.Fatalf("publish after close should fail")
	}
}

func TestEventRoundTripKeepsIdentity(t *testing.T) {
	a := New(TypeCommit, 1, time.Now())
	b := New(TypeCommit, 1, time.Now())
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("event ids must be unique: %q %q", a.ID, b.ID)
	}
	raw, err := a.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil || decoded.ID != a.ID || decoded.Type != TypeCommit {
		t.Fatalf("decode: %+v %v", decoded, err)
	}
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	bus := NewMemoryBus(1)
	bad := &failingPublisher{}
	f := NewFanout().Add("broken", bad).Add("memory", bus).Add("nil", nil)
	if f.Len() != 2 {
		t.Fatalf("nil publisher should be skipped, got %d", f.Len())
	}

	err := f.Publish(context.Background(), New(TypeConfig, 0, time.Now()))
	if err == nil || !strings.Contains(err.Error(), "publisher broken") {
		t.Fatalf("expected joined error naming the publisher, got %v", err)
	}
	if len(bus.Events()) != 1 {
		t.Fatalf("healthy publisher should still receive the event")
	}
	if err := f.Close(); err != nil || !bad.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestConstructorsValidateAddress(t *testing.T) {
	if _, err := NewRedisStream(context.Background(), RedisConfig{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := NewRabbitMQStream(RabbitMQConfig{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	Emit(context.Background(), nil, New(TypeDecision, 1, time.Now()))
}

func TestSharedRedisClientSurvivesStreamClose(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	stream := NewRedisStreamWithClient(client, RedisConfig{})
	if err := stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("shared client should still be open: %v", err)
	}
}
