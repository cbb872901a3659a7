package memory

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/kledx/shll-sub001/internal/storage"
)

func TestStoreRoundTripAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "missing"); !stdErrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	value := []byte("abc")
	if err := s.Put(ctx, "k", value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "abc" {
		t.Fatalf("stored value must be copied, got %q %v", got, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := New()

	type record struct {
		Day   uint32 `json:"day"`
		Spent string `json:"spent"`
	}
	var out record
	found, err := storage.GetJSON(ctx, s, storage.Key("spend", "1"), &out)
	if err != nil || found {
		t.Fatalf("expected missing record, got %v %v", found, err)
	}
	if err := storage.PutJSON(ctx, s, storage.Key("spend", "1"), record{Day: 3, Spent: "8"}); err != nil {
		t.Fatalf("put json: %v", err)
	}
	found, err = storage.GetJSON(ctx, s, "spend:1", &out)
	if err != nil || !found || out.Day != 3 || out.Spent != "8" {
		t.Fatalf("unexpected record %+v %v %v", out, found, err)
	}
}

func TestLockerSerialisesSameKey(t *testing.T) {
	l := NewLocker()
	unlock, err := l.Lock(context.Background(), "instance:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "instance:1"); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock should time out, got %v", err)
	}

	other, err := l.Lock(context.Background(), "instance:2")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "instance:1")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	again()
}
