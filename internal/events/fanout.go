package events

import (
	"context"
	"errors"
	"fmt"
)

// Fanout 将事件广播给多个发布者。
type Fanout struct {
	publishers []namedPublisher
}

type namedPublisher struct {
	name string
	Publisher
}

// NewFanout 创建空的 Fanout。
func NewFanout() *Fanout { return &Fanout{} }

// Add 注册一个发布者，nil 会被忽略。
func (f *Fanout) Add(name string, p Publisher) *Fanout {
	if p != nil {
		f.publishers = append(f.publishers, namedPublisher{name: name, Publisher: p})
	}
	return f
}

// Len 返回已注册的发布者数量。
func (f *Fanout) Len() int { return len(f.publishers) }

// Publish 投递给所有发布者，单个失败不影响其余发布者。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有发布者。
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
