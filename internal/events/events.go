// Package events 将策略决策、提交与配置变更以事件流的形式发布给下游
// （审计归档、告警、风控看板）。发布是尽力而为的：失败只记录日志，
// 不影响 validate 与 commit 的结果。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kledx/shll-sub001/pkg/logger"
)

// Type 表示事件类型。
type Type string

const (
	TypeDecision Type = "decision"
	TypeCommit   Type = "commit"
	TypeBinding  Type = "binding"
	TypeConfig   Type = "config"
)

// Event 是一次可观测的策略事件。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Instance   uint64            `json:"instance"`
	Caller     string            `json:"caller,omitempty"`
	Target     string            `json:"target,omitempty"`
	Selector   string            `json:"selector,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 创建带唯一 ID 的事件。
func New(typ Type, instance uint64, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, Instance: instance, OccurredAt: now.UTC()}
}

// Encode 序列化事件。
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode 反序列化事件。
func Decode(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Emit 发布事件，失败时只记录告警。p 为 nil 时直接返回。
func Emit(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.Named("events").Warn("事件发布失败", "type", string(event.Type), "id", event.ID, "error", err)
	}
}
