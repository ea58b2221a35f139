package mls

import (
	"context"
	"fmt"
	"sync"

	"github.com/cisco/go-tls-syntax"
)

// GroupStore persists the encoded State of each group.  Load returns an
// error wrapping ErrGroupNotFound for an unknown group.
type GroupStore interface {
	Load(ctx context.Context, groupID []byte) ([]byte, error)
	Save(ctx context.Context, groupID []byte, state []byte) error
}

// EncodeState serializes everything a member needs to resume a group,
// secrets included.  The result must be stored as confidentially as the
// secrets themselves.
func EncodeState(s *State) ([]byte, error) {
	return syntax.Marshal(s)
}

// DecodeState restores a State saved by EncodeState.  Local policy comes
// from cfg, not from the saved state.
func DecodeState(data []byte, cfg Config) (*State, error) {
	cfg = cfg.withDefaults()

	s := new(State)
	read, err := syntax.Unmarshal(data, s)
	if err != nil {
		return nil, err
	}
	if read != len(data) {
		return nil, fmt.Errorf("mls.store: %d trailing bytes in saved state", len(data)-read)
	}

	if !s.CipherSuite.supported() || s.Keys == nil {
		return nil, fmt.Errorf("mls.store: saved state is incomplete")
	}

	s.Config = cfg
	s.Tree.Suite = s.CipherSuite
	s.Keys.ReplayWindow = cfg.ReplayWindow
	s.Keys.MaxForward = cfg.MaxForwardDistance
	for i := range s.History {
		s.History[i].Tree.Suite = s.CipherSuite
		if s.History[i].Keys != nil {
			s.History[i].Keys.ReplayWindow = cfg.ReplayWindow
			s.History[i].Keys.MaxForward = cfg.MaxForwardDistance
		}
	}

	if err := s.Tree.validate(); err != nil {
		return nil, err
	}

	if !s.TreePriv.Consistent(s.Tree) {
		return nil, fmt.Errorf("mls.store: private tree does not match public tree")
	}

	return s, nil
}

// MemoryStore keeps encoded states in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string][]byte{}}
}

func (m *MemoryStore) Load(ctx context.Context, groupID []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.states[string(groupID)]
	if !ok {
		return nil, fmt.Errorf("mls.store: %w: %x", ErrGroupNotFound, groupID)
	}
	return dup(data), nil
}

func (m *MemoryStore) Save(ctx context.Context, groupID []byte, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[string(groupID)] = dup(state)
	return nil
}
