package mls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry maps group ids to open groups.  It owns nothing global: callers
// create as many registries as they need.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
	store  GroupStore
	cfg    Config
}

func NewRegistry(store GroupStore, cfg Config) *Registry {
	return &Registry{
		groups: map[string]*Group{},
		store:  store,
		cfg:    cfg.withDefaults(),
	}
}

func (r *Registry) register(g *Group) error {
	key := string(g.groupID)
	if _, ok := r.groups[key]; ok {
		return fmt.Errorf("mls.registry: %w: %x", ErrGroupExists, g.groupID)
	}
	r.groups[key] = g
	return nil
}

// Create starts a new group.  A group id already open here or present in
// the store is refused.
func (r *Registry) Create(ctx context.Context, groupID []byte, id *Identity, extensions ExtensionList) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[string(groupID)]; ok {
		return nil, fmt.Errorf("mls.registry: %w: %x", ErrGroupExists, groupID)
	}

	if r.store != nil {
		_, err := r.store.Load(ctx, groupID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("mls.registry: %w: %x", ErrGroupExists, groupID)
		case !errors.Is(err, ErrGroupNotFound):
			return nil, err
		}
	}

	g, err := CreateGroup(ctx, groupID, id, r.cfg, r.store, extensions)
	if err != nil {
		return nil, err
	}

	r.groups[string(groupID)] = g
	return g, nil
}

func (r *Registry) Join(ctx context.Context, id *Identity, bundles []KeyPackageBundle, welcome Welcome) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := NewJoinedState(id, bundles, welcome, r.cfg)
	if err != nil {
		return nil, err
	}

	// Checked before saving so an open group's record is never overwritten
	g := newGroup(state, r.store)
	if err := r.register(g); err != nil {
		state.retire()
		return nil, err
	}

	if err := g.save(ctx, state); err != nil {
		delete(r.groups, string(g.groupID))
		state.retire()
		return nil, err
	}

	g.log.Info("mls: joined group", "epoch", state.Epoch, "index", state.Index)
	return g, nil
}

// Load opens a saved group, or returns it if it is already open.
func (r *Registry) Load(ctx context.Context, groupID []byte) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[string(groupID)]; ok {
		return g, nil
	}

	g, err := LoadGroup(ctx, groupID, r.cfg, r.store)
	if err != nil {
		return nil, err
	}

	r.groups[string(groupID)] = g
	return g, nil
}

func (r *Registry) Get(groupID []byte) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[string(groupID)]
	if !ok {
		return nil, fmt.Errorf("mls.registry: %w: %x", ErrGroupNotFound, groupID)
	}
	return g, nil
}

// GroupIDs lists the open groups in byte order.
func (r *Registry) GroupIDs() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([][]byte, 0, len(r.groups))
	for key := range r.groups {
		ids = append(ids, []byte(key))
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i]) < string(ids[j]) })
	return ids
}

func (r *Registry) Close(ctx context.Context, groupID []byte) error {
	r.mu.Lock()
	g, ok := r.groups[string(groupID)]
	delete(r.groups, string(groupID))
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("mls.registry: %w: %x", ErrGroupNotFound, groupID)
	}
	return g.Close(ctx)
}

// CloseAll closes every open group concurrently and returns the first
// error.  Every group is closed regardless.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	groups := r.groups
	r.groups = map[string]*Group{}
	r.mu.Unlock()

	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			return g.Close(ctx)
		})
	}
	return eg.Wait()
}
