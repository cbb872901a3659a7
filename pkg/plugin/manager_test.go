package plugin

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage/memory"
)

type stubPolicy struct {
	typ          Type
	configurable bool
}

func (s *stubPolicy) Info() Info                                   { return Info{Name: string(s.typ)} }
func (s *stubPolicy) Check(context.Context, Call) (Verdict, error) { return Allow(), nil }
func (s *stubPolicy) PolicyType() Type                             { return s.typ }
func (s *stubPolicy) RenterConfigurable() bool                     { return s.configurable }

type committingPolicy struct {
	stubPolicy
	GuardBound
	commits int
}

func (c *committingPolicy) OnCommit(_ context.Context, caller common.Address, _ Call) error {
	if err := c.RequireGuard(caller); err != nil {
		return err
	}
	c.commits++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *committingPolicy) {
	t.Helper()
	m := NewManager(memory.New())
	guard := common.HexToAddress("0x0000000000000000000000000000000000009a4d")
	committer := &committingPolicy{stubPolicy: stubPolicy{typ: TypeCooldown, configurable: true}, GuardBound: GuardBound{Guard: guard}}
	for _, p := range []Policy{
		&stubPolicy{typ: TypeReceiverGuard},
		&stubPolicy{typ: TypeTokenWhitelist, configurable: true},
		committer,
	} {
		if err := m.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.PolicyType(), err)
		}
	}
	return m, committer
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Register(&stubPolicy{typ: TypeReceiverGuard}); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if _, err := m.Get("missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if got := m.Registered(); len(got) != 3 || got[0].ID != "cooldown" {
		t.Fatalf("unexpected registered list %+v", got)
	}
}

func TestResolveTemplateThenInstance(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	for _, id := range []string{"receiver_guard", "token_whitelist"} {
		if err := m.AttachTemplate(ctx, 1, id); err != nil {
			t.Fatalf("attach template: %v", err)
		}
	}
	if err := m.AttachInstance(ctx, 7, "cooldown"); err != nil {
		t.Fatalf("attach instance: %v", err)
	}
	if err := m.AttachInstance(ctx, 7, "token_whitelist"); err != nil {
		t.Fatalf("attach instance: %v", err)
	}

	resolved, err := m.Resolve(ctx, 7, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var got []Type
	for _, p := range resolved {
		got = append(got, p.PolicyType())
	}
	want := []Type{TypeReceiverGuard, TypeTokenWhitelist, TypeCooldown}
	if len(got) != len(want) {
		t.Fatalf("unexpected resolution %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected resolution order %v", got)
		}
	}
	if n := len(Committers(resolved)); n != 1 {
		t.Fatalf("expected one committer, got %d", n)
	}
	if n := len(Initializers(resolved)); n != 0 {
		t.Fatalf("expected no initializers, got %d", n)
	}
}

func TestRenterCannotManageProtectedPlugins(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.AttachTemplate(ctx, 1, "receiver_guard"); err != nil {
		t.Fatalf("attach template: %v", err)
	}
	if err := m.AttachInstance(ctx, 7, "receiver_guard"); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if err := m.DetachInstance(ctx, 7, "receiver_guard"); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if err := m.DetachInstance(ctx, 7, "cooldown"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("detaching an unattached plugin should be NOT_FOUND, got %v", err)
	}
	if err := m.DetachTemplate(ctx, 1, "receiver_guard"); err != nil {
		t.Fatalf("authority detach: %v", err)
	}
	ids, _ := m.TemplatePlugins(ctx, 1)
	if len(ids) != 0 {
		t.Fatalf("template list should be empty, got %v", ids)
	}
}

func TestCommitterRequiresGuard(t *testing.T) {
	_, committer := newTestManager(t)
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	if err := committer.OnCommit(context.Background(), stranger, Call{}); !xerrors.HasCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if err := committer.OnCommit(context.Background(), committer.Guard, Call{}); err != nil || committer.commits != 1 {
		t.Fatalf("guard commit failed: %v", err)
	}
	if Reject("").Reason == "" {
		t.Fatalf("rejections always carry a reason")
	}
}
