package mls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Phase is where a group stands within its current epoch.
type Phase uint8

const (
	// PhaseOpen accepts proposals and application messages.
	PhaseOpen Phase = iota
	// PhaseCommitting holds one commit of this member's that the group has
	// not yet confirmed.
	PhaseCommitting
	// PhaseClosed is the short window in which the next epoch is being
	// persisted.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseCommitting:
		return "committing"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

type pendingCommit struct {
	state   *State
	message []byte
	ref     []byte
	welcome *Welcome
}

// Group serializes every operation on one member's State and persists each
// accepted change before reporting it.
type Group struct {
	mu      sync.Mutex
	groupID []byte
	state   *State
	pending *pendingCommit
	phase   Phase
	shut    bool
	store   GroupStore
	log     *slog.Logger
}

func newGroup(state *State, store GroupStore) *Group {
	return &Group{
		groupID: dup(state.GroupID),
		state:   state,
		phase:   PhaseOpen,
		store:   store,
		log:     state.Config.Logger.With("group", fmt.Sprintf("%x", state.GroupID)),
	}
}

// CreateGroup starts a one-member group and saves it.  store may be nil,
// in which case nothing is persisted.
func CreateGroup(ctx context.Context, groupID []byte, id *Identity, cfg Config, store GroupStore, extensions ExtensionList) (*Group, error) {
	state, err := NewEmptyState(groupID, id, cfg, extensions)
	if err != nil {
		return nil, err
	}

	g := newGroup(state, store)
	if err := g.save(ctx, state); err != nil {
		state.retire()
		return nil, err
	}

	g.log.Info("mls: group created", "suite", state.CipherSuite.String())
	return g, nil
}

// JoinGroup enters a group through a Welcome addressed to one of bundles.
func JoinGroup(ctx context.Context, id *Identity, bundles []KeyPackageBundle, welcome Welcome, cfg Config, store GroupStore) (*Group, error) {
	state, err := NewJoinedState(id, bundles, welcome, cfg)
	if err != nil {
		return nil, err
	}

	g := newGroup(state, store)
	if err := g.save(ctx, state); err != nil {
		state.retire()
		return nil, err
	}

	g.log.Info("mls: joined group", "epoch", state.Epoch, "index", state.Index)
	return g, nil
}

// LoadGroup resumes a group from its last saved epoch.
func LoadGroup(ctx context.Context, groupID []byte, cfg Config, store GroupStore) (*Group, error) {
	if store == nil {
		return nil, fmt.Errorf("mls.group: %w: no store", ErrGroupNotFound)
	}

	data, err := store.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}

	state, err := DecodeState(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("mls.group: decoding saved state: %w", err)
	}

	if !bytes.Equal(state.GroupID, groupID) {
		state.retire()
		return nil, fmt.Errorf("mls.group: saved state is for group %x", state.GroupID)
	}

	g := newGroup(state, store)
	g.log.Debug("mls: group loaded", "epoch", state.Epoch)
	return g, nil
}

func (g *Group) save(ctx context.Context, s *State) error {
	if g.store == nil {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeState(s)
	if err != nil {
		return err
	}

	if err := g.store.Save(ctx, g.groupID, data); err != nil {
		g.log.Error("mls: saving group state", "epoch", s.Epoch, "err", err)
		return fmt.Errorf("mls.group: save: %w", err)
	}
	return nil
}

func (g *Group) usable() error {
	if g.shut {
		return ErrGroupClosed
	}
	return nil
}

func (g *Group) GroupID() []byte {
	return dup(g.groupID)
}

func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Epoch
}

func (g *Group) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *Group) Index() LeafIndex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Index
}

func (g *Group) Members() []Member {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Members()
}

func (g *Group) EpochAuthenticator() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.EpochAuthenticator()
}

// ReInitTarget returns the parameters of the group that replaces this one,
// once a ReInit has been committed.
func (g *Group) ReInitTarget() *ReInitProposal {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.ReInitTo == nil {
		return nil
	}
	r := *g.state.ReInitTo
	return &r
}

func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.usable(); err != nil {
		return nil, err
	}
	return g.state.ExportSecret(label, context, length)
}

func (g *Group) ExportRatchetTree() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.usable(); err != nil {
		return nil, err
	}
	return g.state.ExportRatchetTree()
}

///
/// Proposals
///

func (g *Group) propose(ctx context.Context, build func(s *State) (*MLSMessage, error)) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.usable(); err != nil {
		return nil, err
	}

	if g.phase != PhaseOpen {
		return nil, ErrPendingCommit
	}

	work := g.state.clone()
	msg, err := build(work)
	if err != nil {
		work.retire()
		return nil, err
	}

	if err := g.replace(ctx, work); err != nil {
		return nil, err
	}
	return msg, nil
}

func (g *Group) ProposeAdd(ctx context.Context, kp KeyPackage) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.Add(kp) })
}

func (g *Group) ProposeUpdate(ctx context.Context) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.Update() })
}

func (g *Group) ProposeRemove(ctx context.Context, removed LeafIndex) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.Remove(removed) })
}

func (g *Group) ProposePreSharedKey(ctx context.Context, id PreSharedKeyID) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.PreSharedKey(id) })
}

func (g *Group) ProposeReInit(ctx context.Context, groupID []byte, suite CipherSuite, extensions ExtensionList) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.ReInit(groupID, suite, extensions) })
}

func (g *Group) ProposeGroupContextExtensions(ctx context.Context, extensions ExtensionList) (*MLSMessage, error) {
	return g.propose(ctx, func(s *State) (*MLSMessage, error) { return s.GroupContextExtensions(extensions) })
}

///
/// Commits
///

// Commit builds a commit over the cached proposals and holds the resulting
// epoch as pending.  The caller broadcasts the commit and then either merges
// it, once the delivery service confirms it, or discards it.
func (g *Group) Commit(ctx context.Context, opts CommitOptions) (*MLSMessage, *Welcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.usable(); err != nil {
		return nil, nil, err
	}

	if g.phase != PhaseOpen {
		return nil, nil, ErrPendingCommit
	}

	work := g.state.clone()
	msg, welcome, next, err := work.Commit(opts)
	if err != nil {
		work.retire()
		return nil, nil, err
	}

	encoded, err := msg.Encode()
	if err != nil {
		work.retire()
		next.retire()
		return nil, nil, err
	}

	// A commit sent as PrivateMessage advanced the handshake ratchet
	if err := g.replace(ctx, work); err != nil {
		next.retire()
		return nil, nil, err
	}

	g.pending = &pendingCommit{state: next, message: encoded, ref: dup(next.CommitRef), welcome: welcome}
	g.phase = PhaseCommitting
	g.log.Debug("mls: commit pending", "epoch", g.state.Epoch, "next", next.Epoch)
	return msg, welcome, nil
}

// MergePendingCommit moves the group into the epoch of its pending commit.
func (g *Group) MergePendingCommit(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.usable(); err != nil {
		return err
	}

	return g.mergePending(ctx)
}

func (g *Group) mergePending(ctx context.Context) error {
	if g.pending == nil {
		return ErrNoPending
	}

	next := g.pending.state
	next.refreshHistory(g.state)
	if err := g.adopt(ctx, next); err != nil {
		return err
	}

	g.pending = nil
	return nil
}

// DiscardPendingCommit abandons the pending commit, for example after
// another member's commit for the same epoch won.  The cached proposals
// remain and can be committed again.
func (g *Group) DiscardPendingCommit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return ErrNoPending
	}

	g.pending.state.retire()
	g.pending = nil
	g.phase = PhaseOpen
	g.log.Info("mls: pending commit discarded", "epoch", g.state.Epoch)
	return nil
}

// adopt saves next and makes it current.  On failure the group keeps its
// current epoch.
func (g *Group) adopt(ctx context.Context, next *State) error {
	prevPhase := g.phase
	g.phase = PhaseClosed

	if err := g.save(ctx, next); err != nil {
		g.phase = prevPhase
		return err
	}

	prev := g.state
	g.state = next
	prev.retire()
	g.phase = PhaseOpen

	g.log.Debug("mls: epoch advanced", "epoch", next.Epoch, "members", next.Tree.MemberCount())
	return nil
}

// replace saves work and makes it the current state.  On failure work is
// retired and the current state is left as it was.
func (g *Group) replace(ctx context.Context, work *State) error {
	if err := g.save(ctx, work); err != nil {
		work.retire()
		return err
	}

	prev := g.state
	g.state = work
	prev.retire()
	return nil
}

///
/// Messages
///

// CreateMessage encrypts application data in the current epoch.
func (g *Group) CreateMessage(ctx context.Context, data, authenticatedData []byte) (*MLSMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.usable(); err != nil {
		return nil, err
	}

	work := g.state.clone()
	msg, err := work.Protect(data, authenticatedData)
	if err != nil {
		work.retire()
		return nil, err
	}

	// The generation must be durable before the message leaves
	if err := g.replace(ctx, work); err != nil {
		return nil, err
	}
	return msg, nil
}

// Process handles one incoming message.  A commit from another member moves
// the group into the next epoch before Process returns.
func (g *Group) Process(ctx context.Context, msg *MLSMessage) (*ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.usable(); err != nil {
		return nil, err
	}

	if g.pending != nil {
		encoded, err := msg.Encode()
		if err != nil {
			return nil, err
		}

		if bytes.Equal(encoded, g.pending.message) {
			pm := &ProcessedMessage{
				Epoch:       g.state.Epoch,
				Sender:      g.state.Index,
				ContentType: ContentTypeCommit,
				CommitRef:   dup(g.pending.ref),
				OwnCommit:   true,
			}
			if err := g.mergePending(ctx); err != nil {
				return nil, err
			}
			return pm, nil
		}
	}

	// Handle spends ratchet generations and caches proposals, so it runs on
	// a copy that only becomes current once saved
	work := g.state.clone()
	pm, next, err := work.Handle(msg)
	if err != nil {
		work.retire()
		g.logRejected(err)
		return nil, err
	}

	if pm.ContentType == ContentTypeCommit {
		work.retire()
		if g.pending != nil || pm.OwnCommit {
			if next != nil {
				next.retire()
			}

			fork := &ForkError{Epoch: pm.Epoch, Conflicting: pm.CommitRef}
			if g.pending != nil {
				fork.Accepted = dup(g.pending.ref)
			}
			g.log.Warn("mls: fork", "epoch", pm.Epoch, "own", pm.OwnCommit)
			return nil, fork
		}

		if err := g.adopt(ctx, next); err != nil {
			next.retire()
			return nil, err
		}
		return pm, nil
	}

	if err := g.replace(ctx, work); err != nil {
		return nil, err
	}
	return pm, nil
}

func (g *Group) logRejected(err error) {
	var fork *ForkError
	var ce *CommitError
	var ve *ValidationError
	switch {
	case errors.As(err, &fork):
		g.log.Warn("mls: fork", "epoch", fork.Epoch)
	case errors.As(err, &ce), errors.As(err, &ve):
		g.log.Warn("mls: commit or proposal rejected", "err", err)
	default:
		g.log.Debug("mls: message rejected", "err", err)
	}
}

// Close saves the group and erases its secrets.  The group is unusable
// afterwards.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shut {
		return nil
	}

	err := g.save(ctx, g.state)

	if g.pending != nil {
		g.pending.state.retire()
		g.pending = nil
	}
	g.state.retire()
	g.shut = true
	g.phase = PhaseOpen

	g.log.Debug("mls: group closed")
	return err
}
