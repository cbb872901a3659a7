package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kledx/shll-sub001/internal/storage/memory"
)

func TestDayIndexUsesUnixDivision(t *testing.T) {
	// 23:59:59 UTC 与次日 00:00:00 UTC 分属两天，与本地时区无关。
	loc := time.FixedZone("UTC+8", 8*3600)
	last := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC).In(loc)
	next := last.Add(time.Second)
	if DayIndex(next) != DayIndex(last)+1 {
		t.Fatalf("expected rollover at UTC midnight: %d %d", DayIndex(last), DayIndex(next))
	}
	if DayIndex(time.Unix(SecondsPerDay*3, 0)) != 3 {
		t.Fatalf("unexpected day index")
	}
}

func TestSpendRollsOverAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	tracker := NewSpendTracker(memory.New(), "spending_limit")
	day0 := time.Unix(SecondsPerDay*100+10, 0)

	if _, err := tracker.Add(ctx, 7, big.NewInt(8), day0); err != nil {
		t.Fatalf("add: %v", err)
	}
	spend, err := tracker.Add(ctx, 7, big.NewInt(5), day0.Add(time.Hour))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if spend.SpentToday.Int64() != 13 || spend.DayIndex != 100 {
		t.Fatalf("same-day spend should be additive, got %+v", spend)
	}

	day1 := day0.Add(24 * time.Hour)
	today, err := tracker.Today(ctx, 7, day1)
	if err != nil || today.SpentToday.Sign() != 0 {
		t.Fatalf("new day should start at zero, got %+v %v", today, err)
	}
	spend, err = tracker.Add(ctx, 7, big.NewInt(10), day1)
	if err != nil || spend.SpentToday.Int64() != 10 || spend.DayIndex != 101 {
		t.Fatalf("unexpected rollover result %+v %v", spend, err)
	}

	prior, err := tracker.SpentOn(ctx, 7, 100)
	if err != nil || prior.Int64() != 13 {
		t.Fatalf("prior day total must stay queryable, got %v %v", prior, err)
	}
	current, err := tracker.Current(ctx, 7)
	if err != nil || current.DayIndex != 101 || current.SpentToday.Int64() != 10 {
		t.Fatalf("unexpected current record %+v %v", current, err)
	}
}

func TestSpendNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	now := time.Unix(SecondsPerDay*5, 0)
	a := NewSpendTracker(kv, "guard")
	b := NewSpendTracker(kv, "spending_limit")

	if _, err := a.Add(ctx, 1, big.NewInt(3), now); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := b.Today(ctx, 1, now)
	if err != nil || got.SpentToday.Sign() != 0 {
		t.Fatalf("namespaces leaked: %+v %v", got, err)
	}
}

func TestExecutionTracker(t *testing.T) {
	ctx := context.Background()
	tracker := NewExecutionTracker(memory.New(), "cooldown")

	if _, ok, err := tracker.LastExecution(ctx, 9); ok || err != nil {
		t.Fatalf("expected no execution yet: %v %v", ok, err)
	}
	clock := NewManualClock(time.Unix(1_000, 0))
	if err := tracker.Touch(ctx, 9, clock.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clock.Advance(30 * time.Second)
	ts, ok, err := tracker.LastExecution(ctx, 9)
	if err != nil || !ok || ts != 1_000 {
		t.Fatalf("unexpected last execution %d %v %v", ts, ok, err)
	}
	if clock.Now().Unix()-ts != 30 {
		t.Fatalf("manual clock did not advance")
	}
}
