package plugin

import (
	"context"
	"sort"
	"strconv"
	"sync"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
	"github.com/kledx/shll-sub001/internal/storage"
)

// Manager keeps the registered policy implementations and the persisted
// attachment lists per template and per instance.
type Manager struct {
	mu       sync.RWMutex
	registry map[string]Policy
	kv       storage.KV
}

// NewManager constructs a manager whose attachments live in kv.
func NewManager(kv storage.KV) *Manager {
	return &Manager{registry: make(map[string]Policy), kv: kv}
}

// Register adds an implementation. The id defaults to the policy type.
func (m *Manager) Register(p Policy) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	id := p.Info().ID
	if id == "" {
		id = string(p.PolicyType())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "plugin %s already registered", id)
	}
	m.registry[id] = p
	return nil
}

// Get returns the implementation registered under id.
func (m *Manager) Get(id string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.registry[id]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "plugin %s not registered", id)
	}
	return p, nil
}

// Registered lists every registered id in lexical order.
func (m *Manager) Registered() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.registry))
	for id, p := range m.registry {
		info := p.Info()
		info.ID = id
		info.Type = p.PolicyType()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func templateKey(template uint64) string {
	return storage.Key("plugins", "template", strconv.FormatUint(template, 10))
}

func instanceKey(instance uint64) string {
	return storage.Key("plugins", "instance", strconv.FormatUint(instance, 10))
}

func (m *Manager) list(ctx context.Context, key string) ([]string, error) {
	var ids []string
	if _, err := storage.GetJSON(ctx, m.kv, key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *Manager) attach(ctx context.Context, key, id string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	ids, err := m.list(ctx, key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return storage.PutJSON(ctx, m.kv, key, append(ids, id))
}

func (m *Manager) detach(ctx context.Context, key, id string) error {
	ids, err := m.list(ctx, key)
	if err != nil {
		return err
	}
	kept := ids[:0]
	found := false
	for _, existing := range ids {
		if existing == id {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return xerrors.Newf(xerrors.CodeNotFound, "plugin %s not attached", id)
	}
	if len(kept) == 0 {
		return m.kv.Delete(ctx, key)
	}
	return storage.PutJSON(ctx, m.kv, key, kept)
}

// AttachTemplate appends id to the template's policy list. Authorisation is
// the caller's responsibility.
func (m *Manager) AttachTemplate(ctx context.Context, template uint64, id string) error {
	return m.attach(ctx, templateKey(template), id)
}

// DetachTemplate removes id from the template's policy list.
func (m *Manager) DetachTemplate(ctx context.Context, template uint64, id string) error {
	return m.detach(ctx, templateKey(template), id)
}

// AttachInstance adds an instance-level policy. Only renter-configurable
// policies may be managed at instance scope.
func (m *Manager) AttachInstance(ctx context.Context, instance uint64, id string) error {
	if err := m.requireRenterConfigurable(id); err != nil {
		return err
	}
	return m.attach(ctx, instanceKey(instance), id)
}

// DetachInstance removes an instance-level policy. Template policies are not
// in the instance list and therefore can never be detached here.
func (m *Manager) DetachInstance(ctx context.Context, instance uint64, id string) error {
	if err := m.requireRenterConfigurable(id); err != nil {
		return err
	}
	return m.detach(ctx, instanceKey(instance), id)
}

func (m *Manager) requireRenterConfigurable(id string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	if !p.RenterConfigurable() {
		return xerrors.Newf(xerrors.CodeUnauthorized, "plugin %s is not renter configurable", id)
	}
	return nil
}

// TemplatePlugins returns the ids attached to a template.
func (m *Manager) TemplatePlugins(ctx context.Context, template uint64) ([]string, error) {
	return m.list(ctx, templateKey(template))
}

// InstancePlugins returns the ids attached directly to an instance.
func (m *Manager) InstancePlugins(ctx context.Context, instance uint64) ([]string, error) {
	return m.list(ctx, instanceKey(instance))
}

// Resolve returns the template policies followed by the instance additions,
// without duplicates and in attachment order.
func (m *Manager) Resolve(ctx context.Context, instance, template uint64) ([]Policy, error) {
	templateIDs, err := m.TemplatePlugins(ctx, template)
	if err != nil {
		return nil, err
	}
	var instanceIDs []string
	if instance != template {
		if instanceIDs, err = m.InstancePlugins(ctx, instance); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{}, len(templateIDs)+len(instanceIDs))
	var out []Policy
	for _, id := range append(append([]string{}, templateIDs...), instanceIDs...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
