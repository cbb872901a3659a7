package plugin

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// Policy is the contract every rule module satisfies. Check must be free of
// side effects so it can be called speculatively.
type Policy interface {
	Info() Info
	Check(ctx context.Context, call Call) (Verdict, error)
	PolicyType() Type
	// RenterConfigurable reports whether an instance controller, and not only
	// the owning authority, may attach or detach this policy on an instance.
	RenterConfigurable() bool
}

// Committer is implemented by policies that record state after an action
// has been executed. Only the guard identity may call OnCommit.
type Committer interface {
	OnCommit(ctx context.Context, caller common.Address, call Call) error
}

// Initializer is implemented by policies that copy template configuration
// into a freshly bound instance. Only the guard identity may call it.
type Initializer interface {
	InitInstance(ctx context.Context, caller common.Address, instance, template uint64) error
}

// GuardBound is embedded by policies whose mutating hooks are restricted to
// the orchestrator identity.
type GuardBound struct {
	Guard common.Address
}

// RequireGuard fails with UNAUTHORIZED unless caller is the guard identity.
func (g GuardBound) RequireGuard(caller common.Address) error {
	if caller != g.Guard {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s is not the guard", caller.Hex())
	}
	return nil
}

// Committers filters the policies that also implement Committer.
func Committers(policies []Policy) []Committer {
	var out []Committer
	for _, p := range policies {
		if c, ok := p.(Committer); ok {
			out = append(out, c)
		}
	}
	return out
}

// Initializers filters the policies that also implement Initializer.
func Initializers(policies []Policy) []Initializer {
	var out []Initializer
	for _, p := range policies {
		if i, ok := p.(Initializer); ok {
			out = append(out, i)
		}
	}
	return out
}
