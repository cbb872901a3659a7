// Package ledger keeps the per-instance counters that only the commit phase
// mutates: the rolling daily spend and the last execution timestamp.
//
// Day boundaries are computed by integer division of the unix clock by
// SecondsPerDay. Local calendars and time zones never enter the calculation.
package ledger

import (
	"sync"
	"time"
)

// SecondsPerDay is the fixed day length used for rollover.
const SecondsPerDay = 86400

// Clock 提供当前时间，每次检查都重新读取。
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间。
type SystemClock struct{}

// Now 实现 Clock。
func (SystemClock) Now() time.Time { return time.Now() }

// DayIndex 返回 t 所在的 UTC 日序号。
func DayIndex(t time.Time) uint32 {
	return uint32(t.Unix() / SecondsPerDay)
}

// ManualClock 是可手动推进的时钟，测试与回放场景使用。
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 以 start 为起点创建时钟。
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 实现 Clock。
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时钟向前推进 d。
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 将时钟设置为 t。
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
