package mls

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// GroupContext
///

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     opaque group_id<V>;
//     uint64 epoch;
//     opaque tree_hash<V>;
//     opaque confirmed_transcript_hash<V>;
//     Extension extensions<V>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

func (ctx GroupContext) clone() GroupContext {
	return GroupContext{
		Version:                 ctx.Version,
		CipherSuite:             ctx.CipherSuite,
		GroupID:                 dup(ctx.GroupID),
		Epoch:                   ctx.Epoch,
		TreeHash:                dup(ctx.TreeHash),
		ConfirmedTranscriptHash: dup(ctx.ConfirmedTranscriptHash),
		Extensions:              ctx.Extensions.clone(),
	}
}

///
/// State
///

type cachedProposal struct {
	Ref      ProposalRef `tls:"head=1"`
	Sender   LeafIndex
	Proposal Proposal
}

type updateSecret struct {
	Ref  ProposalRef `tls:"head=1"`
	Priv HPKEPrivateKey
}

// epochRecord is what survives of an epoch after the group leaves it:
// enough to read late application messages and to recognize a second
// commit for the same epoch.
type epochRecord struct {
	Epoch         uint64
	Context       GroupContext
	Tree          TreeKEMPublicKey
	CommitRef     []byte            `tls:"head=1"`
	ResumptionPSK []byte            `tls:"head=1"`
	Keys          *keyScheduleEpoch `tls:"optional"`
}

func (r *epochRecord) erase() {
	zeroize(r.ResumptionPSK)
	if r.Keys != nil {
		r.Keys.erase()
		r.Keys = nil
	}
}

func (r epochRecord) clone() epochRecord {
	out := epochRecord{
		Epoch:         r.Epoch,
		Context:       r.Context.clone(),
		Tree:          r.Tree.Clone(),
		CommitRef:     dup(r.CommitRef),
		ResumptionPSK: dup(r.ResumptionPSK),
	}
	if r.Keys != nil {
		out.Keys = r.Keys.clone()
	}
	return out
}

// State is one member's view of one epoch.  A transition never modifies
// the State it starts from except for ratchet consumption; it produces a
// new State, and the old one is retired once the new one is adopted.
type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	Tree                    TreeKEMPublicKey
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              ExtensionList

	// Per-participant state
	Index            LeafIndex
	Identity         Identity
	TreePriv         TreeKEMPrivateKey
	Keys             *keyScheduleEpoch
	PendingProposals []cachedProposal `tls:"head=4"`
	UpdateSecrets    []updateSecret   `tls:"head=4"`
	ReInitTo         *ReInitProposal  `tls:"optional"`
	CommitRef        []byte           `tls:"head=1"`
	History          []epochRecord    `tls:"head=4"`

	Config Config `tls:"omit"`
}

// NewEmptyState creates a one-member group at epoch 0.
func NewEmptyState(groupID []byte, id *Identity, cfg Config, extensions ExtensionList) (*State, error) {
	cfg = cfg.withDefaults()
	suite := id.CipherSuite

	if len(groupID) == 0 || len(groupID) > 255 {
		return nil, fmt.Errorf("mls.state: group id must be 1..255 bytes")
	}

	if err := extensions.validate(); err != nil {
		return nil, err
	}

	if err := id.Capabilities.satisfies(extensions); err != nil {
		return nil, err
	}

	if err := cfg.CredentialVerifier.Verify(id.Credential, id.SignaturePriv.PublicKey); err != nil {
		return nil, fmt.Errorf("mls.state: %w: %v", ErrCredentialRejected, err)
	}

	leafPriv, err := suite.hpke().Generate(cfg.Random)
	if err != nil {
		return nil, err
	}

	leaf, err := id.newLeafNode(leafPriv.PublicKey, LeafNodeSourceKeyPackage, nil, 0)
	if err != nil {
		return nil, err
	}

	tree := NewTreeKEMPublicKey(suite)
	index := tree.AddLeaf(leaf)

	treePriv, err := NewTreeKEMPrivateKeyForJoiner(suite, index, tree.Size(), leafPriv, 0, nil)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		ConfirmedTranscriptHash: []byte{},
		Extensions:              extensions.clone(),
		Index:                   index,
		Identity:                *id,
		TreePriv:                *treePriv,
		PendingProposals:        []cachedProposal{},
		UpdateSecrets:           []updateSecret{},
		CommitRef:               []byte{},
		History:                 []epochRecord{},
		Config:                  cfg,
	}

	epochSecret, err := randomBytesFrom(cfg.Random, suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}
	defer zeroize(epochSecret)

	ctx, err := s.groupContextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, tree.Size(), epochSecret, ctx, cfg.ReplayWindow, cfg.MaxForwardDistance)

	tag := suite.mac(s.Keys.ConfirmationKey, s.ConfirmedTranscriptHash)
	s.InterimTranscriptHash, err = interimTranscriptHash(suite, s.ConfirmedTranscriptHash, tag)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// NewJoinedState enters a group from a Welcome, using whichever of the
// given key packages the Welcome is addressed to.
func NewJoinedState(id *Identity, bundles []KeyPackageBundle, welcome Welcome, cfg Config) (*State, error) {
	cfg = cfg.withDefaults()
	suite := welcome.CipherSuite
	if suite != id.CipherSuite {
		return nil, fmt.Errorf("mls.state: %w: welcome uses %v", ErrWrongCipherSuite, suite)
	}

	secretIndex, bundle, err := welcome.find(bundles)
	if err != nil {
		return nil, err
	}

	secrets, err := welcome.decryptSecrets(secretIndex, bundle.InitPriv)
	if err != nil {
		return nil, err
	}

	// Joiners only have external PSKs to offer
	values := make([][]byte, len(secrets.PSKs))
	for i, psk := range secrets.PSKs {
		v, ok := cfg.PSKs[string(psk.PSKID)]
		if psk.PSKType != PSKTypeExternal || !ok {
			return nil, validationErrorf(ProposalTypePreSharedKey, ErrUnknownPSK, "psk %x", psk.PSKID)
		}
		values[i] = v
	}

	psk, err := pskSecret(suite, secrets.PSKs, values)
	if err != nil {
		return nil, err
	}

	gi, err := welcome.decryptGroupInfo(secrets.JoinerSecret, psk)
	if err != nil {
		return nil, err
	}

	ctx := gi.GroupContext
	if ctx.CipherSuite != suite || ctx.Version != ProtocolVersionMLS10 {
		return nil, fmt.Errorf("mls.state: %w: group info does not match welcome", ErrWrongCipherSuite)
	}

	if err := gi.Tree.validate(); err != nil {
		return nil, err
	}

	treeHash, err := gi.Tree.RootHash()
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(treeHash, ctx.TreeHash) {
		return nil, commitErrorf(ErrTreeHashMismatch, "welcome tree")
	}

	if err := gi.verify(); err != nil {
		return nil, err
	}

	// Every leaf must be signed and carry an acceptable credential
	for _, i := range gi.Tree.Members() {
		leaf, _ := gi.Tree.LeafNode(i)
		if !leaf.Verify(suite, ctx.GroupID, i) {
			return nil, validationErrorf(ProposalTypeAdd, ErrInvalidLeafNode, "leaf %d in welcome tree", i)
		}
		if err := cfg.CredentialVerifier.Verify(leaf.Credential, leaf.SignatureKey); err != nil {
			return nil, validationErrorf(ProposalTypeAdd, ErrCredentialRejected, "leaf %d: %v", i, err)
		}
	}

	index, ok := gi.Tree.Find(bundle.KeyPackage.LeafNode.SignatureKey)
	if !ok {
		return nil, fmt.Errorf("mls.state: new joiner not in the tree")
	}

	myLeaf, _ := gi.Tree.LeafNode(index)
	if !myLeaf.EncryptionKey.Equals(bundle.LeafPriv.PublicKey) {
		return nil, fmt.Errorf("mls.state: tree leaf does not match key package")
	}

	var pathSecret []byte
	if secrets.PathSecret != nil {
		pathSecret = secrets.PathSecret.Data
	}

	overlap := ancestor(index, gi.Signer)
	treePriv, err := NewTreeKEMPrivateKeyForJoiner(suite, index, gi.Tree.Size(), bundle.LeafPriv, overlap, pathSecret)
	if err != nil {
		return nil, err
	}

	if !treePriv.Consistent(gi.Tree) {
		treePriv.Zeroize()
		return nil, commitErrorf(ErrPathMismatch, "welcome path secret")
	}

	ctxBytes, err := syntax.Marshal(ctx)
	if err != nil {
		return nil, err
	}

	keys := keyScheduleFromJoiner(suite, gi.Tree.Size(), secrets.JoinerSecret, psk, ctxBytes, cfg.ReplayWindow, cfg.MaxForwardDistance)
	tag := suite.mac(keys.ConfirmationKey, ctx.ConfirmedTranscriptHash)
	if !hmac.Equal(tag, gi.ConfirmationTag) {
		keys.erase()
		treePriv.Zeroize()
		return nil, commitErrorf(ErrConfirmationMismatch, "welcome")
	}

	interim, err := interimTranscriptHash(suite, ctx.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(ctx.GroupID),
		Epoch:                   ctx.Epoch,
		Tree:                    gi.Tree.Clone(),
		ConfirmedTranscriptHash: dup(ctx.ConfirmedTranscriptHash),
		InterimTranscriptHash:   interim,
		Extensions:              ctx.Extensions.clone(),
		Index:                   index,
		Identity:                *id,
		TreePriv:                *treePriv,
		Keys:                    keys,
		PendingProposals:        []cachedProposal{},
		UpdateSecrets:           []updateSecret{},
		CommitRef:               []byte{},
		History:                 []epochRecord{},
		Config:                  cfg,
	}

	return s, nil
}

func (s *State) groupContext() (GroupContext, error) {
	treeHash, err := s.Tree.RootHash()
	if err != nil {
		return GroupContext{}, err
	}

	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             s.CipherSuite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}, nil
}

func (s *State) groupContextBytes() ([]byte, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}
	return syntax.Marshal(ctx)
}

// The context path secrets are encrypted under: the next epoch's tree and
// extensions, with the current confirmed transcript hash.
func (s *State) provisionalContext() ([]byte, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}
	ctx.Epoch += 1
	return syntax.Marshal(ctx)
}

func confirmedTranscriptHash(suite CipherSuite, interim []byte, ac AuthenticatedContent) ([]byte, error) {
	data, err := syntax.Marshal(confirmedTranscriptInput{
		WireFormat: ac.WireFormat,
		Content:    ac.Content,
		Signature:  ac.Auth.Signature,
	})
	if err != nil {
		return nil, err
	}

	input := append(dup(interim), data...)
	return suite.Digest(input), nil
}

func interimTranscriptHash(suite CipherSuite, confirmed, tag []byte) ([]byte, error) {
	data, err := syntax.Marshal(interimTranscriptInput{ConfirmationTag: tag})
	if err != nil {
		return nil, err
	}

	input := append(dup(confirmed), data...)
	return suite.Digest(input), nil
}

func commitRef(suite CipherSuite, ac AuthenticatedContent) ([]byte, error) {
	data, err := syntax.Marshal(ac)
	if err != nil {
		return nil, err
	}
	return suite.refHash("Commit Reference", data), nil
}

///
/// Proposals
///

func (s *State) Add(kp KeyPackage) (*MLSMessage, error) {
	msg, _, err := s.propose(Proposal{Add: &AddProposal{KeyPackage: kp}})
	return msg, err
}

// Update proposes a fresh leaf key for this member.  The private key is held
// until a commit covering the proposal arrives.
func (s *State) Update() (*MLSMessage, error) {
	priv, err := s.CipherSuite.hpke().Generate(s.Config.Random)
	if err != nil {
		return nil, err
	}

	leaf, err := s.Identity.newLeafNode(priv.PublicKey, LeafNodeSourceUpdate, s.GroupID, s.Index)
	if err != nil {
		return nil, err
	}

	msg, ref, err := s.propose(Proposal{Update: &UpdateProposal{LeafNode: leaf}})
	if err != nil {
		zeroize(priv.Data)
		return nil, err
	}

	s.UpdateSecrets = append(s.UpdateSecrets, updateSecret{Ref: ref, Priv: priv})
	return msg, nil
}

func (s *State) Remove(removed LeafIndex) (*MLSMessage, error) {
	msg, _, err := s.propose(Proposal{Remove: &RemoveProposal{Removed: removed}})
	return msg, err
}

func (s *State) PreSharedKey(id PreSharedKeyID) (*MLSMessage, error) {
	if len(id.PSKNonce) == 0 {
		nonce, err := randomBytesFrom(s.Config.Random, s.CipherSuite.Constants().SecretSize)
		if err != nil {
			return nil, err
		}
		id.PSKNonce = nonce
	}

	msg, _, err := s.propose(Proposal{PreSharedKey: &PreSharedKeyProposal{PSK: id}})
	return msg, err
}

func (s *State) ReInit(groupID []byte, suite CipherSuite, extensions ExtensionList) (*MLSMessage, error) {
	msg, _, err := s.propose(Proposal{ReInit: &ReInitProposal{
		GroupID:     groupID,
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		Extensions:  extensions,
	}})
	return msg, err
}

func (s *State) GroupContextExtensions(extensions ExtensionList) (*MLSMessage, error) {
	msg, _, err := s.propose(Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: extensions}})
	return msg, err
}

func (s *State) propose(p Proposal) (*MLSMessage, ProposalRef, error) {
	if s.ReInitTo != nil {
		return nil, nil, ErrGroupReInitted
	}

	if err := s.validateProposal(p, s.Index); err != nil {
		return nil, nil, err
	}

	content := FramedContent{
		GroupID:  s.GroupID,
		Epoch:    s.Epoch,
		Sender:   memberSender(s.Index),
		Proposal: &p,
	}

	ctx, err := s.groupContext()
	if err != nil {
		return nil, nil, err
	}

	ac, err := s.sign(s.handshakeWireFormat(), content, ctx)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.protect(ac, ctx)
	if err != nil {
		return nil, nil, err
	}

	ref, err := ac.ProposalRef(s.CipherSuite)
	if err != nil {
		return nil, nil, err
	}

	s.PendingProposals = append(s.PendingProposals, cachedProposal{Ref: ref, Sender: s.Index, Proposal: p})
	return msg, ref, nil
}

func (s *State) findProposal(ref ProposalRef) (cachedProposal, bool) {
	for _, cp := range s.PendingProposals {
		if bytes.Equal(cp.Ref, ref) {
			return cp, true
		}
	}
	return cachedProposal{}, false
}

///
/// Commit
///

type CommitOptions struct {
	// ForcePath adds an UpdatePath even when the proposals do not need one.
	ForcePath bool

	// Inline proposals are carried in the commit itself.
	Inline []Proposal
}

type resolvedProposal struct {
	Ref      ProposalRef
	Sender   LeafIndex
	Proposal Proposal
}

func proposalsOf(list []resolvedProposal) []Proposal {
	out := make([]Proposal, len(list))
	for i, rp := range list {
		out[i] = rp.Proposal
	}
	return out
}

// Commit covers every cached proposal that is still valid, plus any inline
// proposals.  The returned State is the next epoch; it must not be used
// until the commit is known to be accepted.
func (s *State) Commit(opts CommitOptions) (*MLSMessage, *Welcome, *State, error) {
	if s.ReInitTo != nil {
		return nil, nil, nil, ErrGroupReInitted
	}

	list := []resolvedProposal{}
	refs := []ProposalOrRef{}
	for _, cp := range s.PendingProposals {
		if err := s.validateProposal(cp.Proposal, cp.Sender); err != nil {
			continue
		}

		candidate := append(append([]resolvedProposal{}, list...), resolvedProposal{cp.Ref, cp.Sender, cp.Proposal})
		if err := s.checkProposalSet(s.Index, candidate); err != nil {
			continue
		}

		list = candidate
		refs = append(refs, ProposalOrRef{Reference: dup(cp.Ref)})
	}

	for i := range opts.Inline {
		p := opts.Inline[i]
		if err := s.validateProposal(p, s.Index); err != nil {
			return nil, nil, nil, err
		}

		list = append(list, resolvedProposal{nil, s.Index, p})
		refs = append(refs, ProposalOrRef{Proposal: &p})
	}

	if err := s.checkProposalSet(s.Index, list); err != nil {
		return nil, nil, nil, err
	}

	next := s.clone()
	applied, err := next.applyProposals(list)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	commit := Commit{Proposals: refs}
	usePath := opts.ForcePath || pathRequired(proposalsOf(list))

	var commitSecret []byte
	var pathPriv *TreeKEMPrivateKey
	if usePath {
		leafSecret, err := randomBytesFrom(s.Config.Random, s.CipherSuite.Constants().SecretSize)
		if err != nil {
			next.retire()
			return nil, nil, nil, err
		}

		var path *UpdatePath
		pathPriv, path, err = next.Tree.Encap(s.Identity, s.GroupID, s.Index, leafSecret)
		zeroize(leafSecret)
		if err != nil {
			next.retire()
			return nil, nil, nil, err
		}

		if err := next.Tree.Merge(s.Index, *path); err != nil {
			next.retire()
			return nil, nil, nil, err
		}

		ctx, err := next.provisionalContext()
		if err != nil {
			next.retire()
			return nil, nil, nil, err
		}

		err = next.Tree.EncryptPath(s.Config.Random, pathPriv, path, ctx, applied.joiners)
		if err != nil {
			next.retire()
			return nil, nil, nil, err
		}

		next.TreePriv.Zeroize()
		next.TreePriv = *pathPriv
		commitSecret = pathPriv.CommitSecret(next.Tree.Size())
		commit.Path = path
	} else {
		next.TreePriv.Prune(next.Tree)
		commitSecret = s.CipherSuite.zero()
	}
	defer zeroize(commitSecret)

	psk, err := s.pskSecret(applied.psks)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}
	defer zeroize(psk)

	prevCtx, err := s.groupContext()
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	content := FramedContent{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  memberSender(s.Index),
		Commit:  &commit,
	}

	ac, err := s.sign(s.handshakeWireFormat(), content, prevCtx)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	joinerSecret, err := next.advance(s, ac, commitSecret, psk)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}
	defer zeroize(joinerSecret)

	ac.Auth.ConfirmationTag = s.CipherSuite.mac(next.Keys.ConfirmationKey, next.ConfirmedTranscriptHash)
	next.InterimTranscriptHash, err = interimTranscriptHash(s.CipherSuite, next.ConfirmedTranscriptHash, ac.Auth.ConfirmationTag)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	ref, err := commitRef(s.CipherSuite, ac)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	msg, err := s.protect(ac, prevCtx)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	next.finishTransition(s, prevCtx, ref, applied)

	if len(applied.joiners) == 0 {
		return msg, nil, next, nil
	}

	welcome, err := next.welcome(ac.Auth.ConfirmationTag, joinerSecret, psk, applied, pathPriv)
	if err != nil {
		next.retire()
		return nil, nil, nil, err
	}

	return msg, welcome, next, nil
}

func (next *State) welcome(tag, joinerSecret, psk []byte, applied appliedProposals, pathPriv *TreeKEMPrivateKey) (*Welcome, error) {
	ctx, err := next.groupContext()
	if err != nil {
		return nil, err
	}

	gi := GroupInfo{
		GroupContext:    ctx.clone(),
		Extensions:      NewExtensionList(),
		ConfirmationTag: dup(tag),
		Tree:            next.Tree.Clone(),
		Signer:          next.Index,
	}

	if err := gi.sign(next.Identity.SignaturePriv); err != nil {
		return nil, err
	}

	welcome, err := newWelcome(next.CipherSuite, joinerSecret, psk, gi)
	if err != nil {
		return nil, err
	}

	h := next.CipherSuite.hpke()
	for i, joiner := range applied.joiners {
		secrets := GroupSecrets{
			JoinerSecret: joinerSecret,
			PSKs:         applied.psks,
		}

		if pathPriv != nil {
			_, pathSecret, err := pathPriv.SharedPathSecret(joiner)
			if err != nil {
				return nil, err
			}
			secrets.PathSecret = &pathSecretData{pathSecret}
		}

		if err := welcome.encryptTo(h, next.Config.Random, applied.keyPackages[i], secrets); err != nil {
			return nil, err
		}
	}

	return welcome, nil
}

// advance moves next into the following epoch once its tree is final.
func (next *State) advance(prev *State, ac AuthenticatedContent, commitSecret, psk []byte) ([]byte, error) {
	confirmed, err := confirmedTranscriptHash(prev.CipherSuite, prev.InterimTranscriptHash, ac)
	if err != nil {
		return nil, err
	}

	next.ConfirmedTranscriptHash = confirmed
	next.Epoch = prev.Epoch + 1

	ctx, err := next.groupContextBytes()
	if err != nil {
		return nil, err
	}

	keys, joinerSecret := prev.Keys.Next(next.Tree.Size(), psk, commitSecret, ctx)
	if next.Keys != nil {
		next.Keys.erase()
	}
	next.Keys = keys
	return joinerSecret, nil
}

func (next *State) finishTransition(prev *State, prevCtx GroupContext, ref []byte, applied appliedProposals) {
	for _, u := range next.UpdateSecrets {
		zeroize(u.Priv.Data)
	}
	next.UpdateSecrets = []updateSecret{}
	next.PendingProposals = []cachedProposal{}
	next.CommitRef = ref
	if applied.reinit != nil {
		next.ReInitTo = applied.reinit
	}

	next.History = append(next.History, epochRecord{
		Epoch:         prev.Epoch,
		Context:       prevCtx.clone(),
		Tree:          prev.Tree.Clone(),
		CommitRef:     dup(ref),
		ResumptionPSK: dup(prev.Keys.ResumptionPSK),
		Keys:          prev.Keys.retained(),
	})

	for len(next.History) > next.Config.EpochRetention {
		next.History[0].erase()
		next.History = next.History[1:]
	}
}

// refreshHistory replaces the record of prev's epoch with prev's current
// receive state, which may have moved on since the transition was built.
func (next *State) refreshHistory(prev *State) {
	for i := range next.History {
		if next.History[i].Epoch != prev.Epoch {
			continue
		}

		if next.History[i].Keys != nil {
			next.History[i].Keys.erase()
		}
		next.History[i].Keys = prev.Keys.retained()
	}
}

///
/// Handling incoming messages
///

// ProcessedMessage describes a message that passed every check.
type ProcessedMessage struct {
	Epoch             uint64
	Sender            LeafIndex
	ContentType       ContentType
	AuthenticatedData []byte

	ApplicationData []byte
	Proposal        *Proposal
	ProposalRef     ProposalRef
	CommitRef       []byte

	// OwnCommit is set for a commit signed by this member that this State
	// did not produce.
	OwnCommit bool
}

// Handle processes a handshake or application message.  For a commit from
// another member it also returns the next epoch's State; the receiver is
// not changed apart from ratchet consumption.
func (s *State) Handle(msg *MLSMessage) (*ProcessedMessage, *State, error) {
	ac, view, err := s.unprotect(msg)
	if err != nil {
		// An encrypted commit replayed into a past epoch hits the spent
		// generation before it can be compared
		if pm := msg.Private; pm != nil && pm.ContentType == ContentTypeCommit && pm.Epoch < s.Epoch && errors.Is(err, ErrReplay) {
			return nil, nil, commitErrorf(ErrDuplicateCommit, "epoch %d", pm.Epoch)
		}
		return nil, nil, err
	}

	content := ac.Content
	pm := &ProcessedMessage{
		Epoch:             content.Epoch,
		Sender:            content.Sender.Leaf,
		ContentType:       content.ContentType(),
		AuthenticatedData: content.AuthenticatedData,
	}

	switch pm.ContentType {
	case ContentTypeApplication:
		pm.ApplicationData = content.Application
		return pm, nil, nil

	case ContentTypeProposal:
		if content.Epoch != s.Epoch {
			return nil, nil, protectionErrorf(ErrStaleEpoch, "proposal for epoch %d", content.Epoch)
		}

		ref, err := ac.ProposalRef(s.CipherSuite)
		if err != nil {
			return nil, nil, err
		}

		pm.Proposal = content.Proposal
		pm.ProposalRef = ref
		if _, ok := s.findProposal(ref); ok {
			return pm, nil, nil
		}

		if err := s.validateProposal(*content.Proposal, pm.Sender); err != nil {
			return nil, nil, err
		}

		s.PendingProposals = append(s.PendingProposals, cachedProposal{
			Ref:      ref,
			Sender:   pm.Sender,
			Proposal: *content.Proposal,
		})
		return pm, nil, nil
	}

	ref, err := commitRef(s.CipherSuite, ac)
	if err != nil {
		return nil, nil, err
	}
	pm.CommitRef = ref

	// A commit for an epoch already left is either the one we applied or a
	// fork
	if content.Epoch != s.Epoch {
		if bytes.Equal(ref, view.CommitRef) {
			return nil, nil, commitErrorf(ErrDuplicateCommit, "epoch %d", content.Epoch)
		}
		return nil, nil, &ForkError{Epoch: content.Epoch, Accepted: dup(view.CommitRef), Conflicting: ref}
	}

	if pm.Sender == s.Index {
		pm.OwnCommit = true
		return pm, nil, nil
	}

	next, err := s.applyCommit(ac)
	if err != nil {
		return nil, nil, err
	}

	return pm, next, nil
}

func (s *State) resolveProposals(committer LeafIndex, ors []ProposalOrRef) ([]resolvedProposal, error) {
	list := make([]resolvedProposal, 0, len(ors))
	for _, por := range ors {
		if por.Proposal != nil {
			list = append(list, resolvedProposal{nil, committer, *por.Proposal})
			continue
		}

		cp, ok := s.findProposal(por.Reference)
		if !ok {
			return nil, validationErrorf(ProposalTypeNone, ErrUnknownProposalRef, "%x", []byte(por.Reference))
		}
		list = append(list, resolvedProposal{cp.Ref, cp.Sender, cp.Proposal})
	}
	return list, nil
}

func (s *State) applyCommit(ac AuthenticatedContent) (*State, error) {
	if s.ReInitTo != nil {
		return nil, ErrGroupReInitted
	}

	commit := ac.Content.Commit
	committer := ac.Content.Sender.Leaf

	list, err := s.resolveProposals(committer, commit.Proposals)
	if err != nil {
		return nil, err
	}

	for _, rp := range list {
		if rp.Ref == nil {
			if err := s.validateProposal(rp.Proposal, committer); err != nil {
				return nil, err
			}
		}
	}

	if err := s.checkProposalSet(committer, list); err != nil {
		return nil, err
	}

	if pathRequired(proposalsOf(list)) && commit.Path == nil {
		return nil, commitErrorf(ErrMissingPath, "from leaf %d", committer)
	}

	next := s.clone()
	applied, err := next.applyProposals(list)
	if err != nil {
		next.retire()
		return nil, err
	}

	if applied.evicted {
		next.retire()
		return nil, commitErrorf(ErrEvicted, "removed by leaf %d", committer)
	}

	var commitSecret []byte
	if commit.Path != nil {
		if err := next.validatePathLeaf(committer, commit.Path.LeafNode); err != nil {
			next.retire()
			return nil, err
		}

		if err := next.Tree.Merge(committer, *commit.Path); err != nil {
			next.retire()
			return nil, err
		}

		ctx, err := next.provisionalContext()
		if err != nil {
			next.retire()
			return nil, err
		}

		next.TreePriv.Prune(next.Tree)
		priv, err := next.TreePriv.Decap(committer, next.Tree, ctx, *commit.Path, applied.joiners)
		if err != nil {
			next.retire()
			return nil, err
		}

		next.TreePriv.Zeroize()
		next.TreePriv = *priv
		commitSecret = priv.CommitSecret(next.Tree.Size())
	} else {
		next.TreePriv.Prune(next.Tree)
		commitSecret = s.CipherSuite.zero()
	}
	defer zeroize(commitSecret)

	psk, err := s.pskSecret(applied.psks)
	if err != nil {
		next.retire()
		return nil, err
	}
	defer zeroize(psk)

	prevCtx, err := s.groupContext()
	if err != nil {
		next.retire()
		return nil, err
	}

	joinerSecret, err := next.advance(s, ac, commitSecret, psk)
	if err != nil {
		next.retire()
		return nil, err
	}
	zeroize(joinerSecret)

	tag := s.CipherSuite.mac(next.Keys.ConfirmationKey, next.ConfirmedTranscriptHash)
	if !hmac.Equal(tag, ac.Auth.ConfirmationTag) {
		next.retire()
		return nil, commitErrorf(ErrConfirmationMismatch, "from leaf %d", committer)
	}

	next.InterimTranscriptHash, err = interimTranscriptHash(s.CipherSuite, next.ConfirmedTranscriptHash, tag)
	if err != nil {
		next.retire()
		return nil, err
	}

	ref, err := commitRef(s.CipherSuite, ac)
	if err != nil {
		next.retire()
		return nil, err
	}

	next.finishTransition(s, prevCtx, ref, applied)
	return next, nil
}

type appliedProposals struct {
	joiners     []LeafIndex
	keyPackages []KeyPackage
	psks        []PreSharedKeyID
	reinit      *ReInitProposal
	evicted     bool
}

// applyProposals changes the tree in a fixed order: extensions, updates,
// removes, adds.  PSKs and ReInit are collected for the key schedule.
func (s *State) applyProposals(list []resolvedProposal) (appliedProposals, error) {
	applied := appliedProposals{
		joiners:     []LeafIndex{},
		keyPackages: []KeyPackage{},
		psks:        []PreSharedKeyID{},
	}

	for _, rp := range list {
		if gce := rp.Proposal.GroupContextExtensions; gce != nil {
			s.Extensions = gce.Extensions.clone()
		}
	}

	for _, rp := range list {
		update := rp.Proposal.Update
		if update == nil {
			continue
		}

		if err := s.Tree.UpdateLeaf(rp.Sender, update.LeafNode.Clone()); err != nil {
			return applied, err
		}

		if rp.Sender != s.Index {
			continue
		}

		priv, ok := s.updateSecret(rp.Ref)
		if !ok {
			return applied, fmt.Errorf("mls.state: self-update with no cached secret")
		}
		leaf := toNodeIndex(s.Index)
		if old, ok := s.TreePriv.PrivateKeys[leaf]; ok {
			zeroize(old.Data)
		}
		s.TreePriv.PrivateKeys[leaf] = priv.clone()
	}

	for _, rp := range list {
		if remove := rp.Proposal.Remove; remove != nil {
			if remove.Removed == s.Index {
				applied.evicted = true
			}
			s.Tree.BlankPath(remove.Removed)
		}
	}

	for _, rp := range list {
		if add := rp.Proposal.Add; add != nil {
			index := s.Tree.AddLeaf(add.KeyPackage.LeafNode.Clone())
			applied.joiners = append(applied.joiners, index)
			applied.keyPackages = append(applied.keyPackages, add.KeyPackage)
		}
	}

	for _, rp := range list {
		if psk := rp.Proposal.PreSharedKey; psk != nil {
			applied.psks = append(applied.psks, psk.PSK)
		}
		if reinit := rp.Proposal.ReInit; reinit != nil {
			r := *reinit
			applied.reinit = &r
		}
	}

	s.Tree.Truncate()
	s.TreePriv.Prune(s.Tree)
	return applied, nil
}

func (s *State) updateSecret(ref ProposalRef) (HPKEPrivateKey, bool) {
	for _, u := range s.UpdateSecrets {
		if bytes.Equal(u.Ref, ref) {
			return u.Priv, true
		}
	}
	return HPKEPrivateKey{}, false
}

func (s *State) pskValue(id PreSharedKeyID) ([]byte, bool) {
	switch id.PSKType {
	case PSKTypeExternal:
		v, ok := s.Config.PSKs[string(id.PSKID)]
		return v, ok

	case PSKTypeResumption:
		if !bytes.Equal(id.PSKGroupID, s.GroupID) {
			return nil, false
		}
		if id.PSKEpoch == s.Epoch {
			return s.Keys.ResumptionPSK, true
		}
		for _, r := range s.History {
			if r.Epoch == id.PSKEpoch {
				return r.ResumptionPSK, true
			}
		}
	}
	return nil, false
}

func (s *State) pskSecret(ids []PreSharedKeyID) ([]byte, error) {
	values := make([][]byte, len(ids))
	for i, id := range ids {
		v, ok := s.pskValue(id)
		if !ok {
			return nil, validationErrorf(ProposalTypePreSharedKey, ErrUnknownPSK, "psk %x", id.PSKID)
		}
		values[i] = v
	}
	return pskSecret(s.CipherSuite, ids, values)
}

///
/// Accessors
///

type Member struct {
	Index        LeafIndex
	Credential   Credential
	SignatureKey SignaturePublicKey
}

func (s *State) Members() []Member {
	out := []Member{}
	for _, i := range s.Tree.Members() {
		leaf, _ := s.Tree.LeafNode(i)
		out = append(out, Member{
			Index:        i,
			Credential:   leaf.Credential.clone(),
			SignatureKey: SignaturePublicKey{dup(leaf.SignatureKey.Data)},
		})
	}
	return out
}

// ExportSecret derives a secret for use outside the group protocol.  The
// length may not exceed 255 hash lengths.
func (s *State) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	return s.Keys.Export(label, context, length)
}

// EpochAuthenticator is equal for all members in the same epoch and can be
// compared out of band.
func (s *State) EpochAuthenticator() []byte {
	return dup(s.Keys.EpochAuthenticator)
}

func (s *State) ExportRatchetTree() ([]byte, error) {
	return syntax.Marshal(s.Tree)
}

///
/// Lifecycle
///

func (s *State) clone() *State {
	next := &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    s.Tree.Clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Extensions:              s.Extensions.clone(),
		Index:                   s.Index,
		Identity:                s.Identity,
		TreePriv:                *s.TreePriv.Clone(),
		Keys:                    s.Keys.clone(),
		PendingProposals:        make([]cachedProposal, len(s.PendingProposals)),
		UpdateSecrets:           make([]updateSecret, len(s.UpdateSecrets)),
		CommitRef:               dup(s.CommitRef),
		History:                 make([]epochRecord, len(s.History)),
		Config:                  s.Config,
	}

	for i, cp := range s.PendingProposals {
		next.PendingProposals[i] = cachedProposal{dup(cp.Ref), cp.Sender, cp.Proposal}
	}
	for i, u := range s.UpdateSecrets {
		next.UpdateSecrets[i] = updateSecret{dup(u.Ref), u.Priv.clone()}
	}
	for i, r := range s.History {
		next.History[i] = r.clone()
	}
	if s.ReInitTo != nil {
		r := *s.ReInitTo
		next.ReInitTo = &r
	}

	return next
}

// retire zeroizes every secret this State holds.  It is called on the old
// State once its successor is adopted, and on abandoned successors.
func (s *State) retire() {
	if s.Keys != nil {
		s.Keys.erase()
	}

	s.TreePriv.Zeroize()
	for _, u := range s.UpdateSecrets {
		zeroize(u.Priv.Data)
	}
	s.UpdateSecrets = nil

	for i := range s.History {
		s.History[i].erase()
	}
}

// Equals compares the shared state of two members.
func (s *State) Equals(o *State) bool {
	return s.CipherSuite == o.CipherSuite &&
		bytes.Equal(s.GroupID, o.GroupID) &&
		s.Epoch == o.Epoch &&
		s.Tree.Equals(o.Tree) &&
		bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash) &&
		bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash) &&
		s.Extensions.Equals(o.Extensions) &&
		bytes.Equal(s.Keys.EpochSecret, o.Keys.EpochSecret)
}
