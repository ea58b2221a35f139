package mls

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testGroupID = []byte{0x01, 0x02, 0x03, 0x04}
	testMessage = unhex("01020304")
	testAAD     = []byte("header")
)

// wire sends msg through its encoding, the way a delivery service would.
func wire(t *testing.T, msg *MLSMessage) *MLSMessage {
	data, err := msg.Encode()
	require.Nil(t, err)

	out, err := DecodeMessage(data)
	require.Nil(t, err)
	return out
}

// newTestGroup returns the states of a group of size members at epoch 1,
// all added by member 0 in a single commit.
func newTestGroup(t *testing.T, suite CipherSuite, size int, cfg Config) []*State {
	creator := newTestIdentity(t, suite, "member-0")
	first, err := NewEmptyState(testGroupID, creator, cfg, NewExtensionList())
	require.Nil(t, err)

	ids := []*Identity{}
	bundles := []KeyPackageBundle{}
	adds := []Proposal{}
	for i := 1; i < size; i++ {
		id := newTestIdentity(t, suite, fmt.Sprintf("member-%d", i))
		kpb := newTestKeyPackage(t, id)
		ids = append(ids, id)
		bundles = append(bundles, *kpb)
		adds = append(adds, Proposal{Add: &AddProposal{KeyPackage: kpb.KeyPackage}})
	}

	_, welcome, next, err := first.Commit(CommitOptions{Inline: adds})
	require.Nil(t, err)

	states := []*State{next}
	for i, id := range ids {
		joined, err := NewJoinedState(id, bundles[i:i+1], *welcome, cfg)
		require.Nil(t, err)
		require.Equal(t, LeafIndex(i+1), joined.Index)
		states = append(states, joined)
	}

	requireInSync(t, states)
	return states
}

// requireInSync checks that every member agrees on the epoch and can read
// the first member's application messages.
func requireInSync(t *testing.T, states []*State) {
	for _, s := range states[1:] {
		require.True(t, states[0].Equals(s))
		require.Equal(t, states[0].EpochAuthenticator(), s.EpochAuthenticator())
	}

	ct, err := states[0].Protect(testMessage, testAAD)
	require.Nil(t, err)

	for _, s := range states[1:] {
		pt, aad, err := s.Unprotect(wire(t, ct))
		require.Nil(t, err)
		require.Equal(t, testMessage, pt)
		require.Equal(t, testAAD, aad)
	}
}

// broadcastProposal delivers a proposal from states[sender] to every other
// member.
func broadcastProposal(t *testing.T, states []*State, sender int, msg *MLSMessage) {
	for i, s := range states {
		if i == sender {
			continue
		}

		pm, next, err := s.Handle(wire(t, msg))
		require.Nil(t, err)
		require.Nil(t, next)
		require.Equal(t, ContentTypeProposal, pm.ContentType)
		require.Equal(t, states[sender].Index, pm.Sender)
		require.NotNil(t, pm.Proposal)
	}
}

// commitAll has states[committer] commit its cached proposals and moves
// every other member into the new epoch.
func commitAll(t *testing.T, states []*State, committer int, opts CommitOptions) []*State {
	msg, welcome, next, err := states[committer].Commit(opts)
	require.Nil(t, err)
	require.Nil(t, welcome)

	out := make([]*State, len(states))
	for i, s := range states {
		if i == committer {
			out[i] = next
			continue
		}

		pm, n, err := s.Handle(wire(t, msg))
		require.Nil(t, err)
		require.Equal(t, ContentTypeCommit, pm.ContentType)
		require.Equal(t, next.CommitRef, pm.CommitRef)
		require.NotNil(t, n)
		out[i] = n
	}

	requireInSync(t, out)
	return out
}

// resign recomputes the signature and membership tag of a public message
// built by s, after the test has changed its content.
func resign(t *testing.T, s *State, msg *MLSMessage) {
	pt := msg.Public
	ctx, err := s.groupContext()
	require.Nil(t, err)

	pt.Auth.Signature, err = signFramedContent(s.CipherSuite, s.Identity.SignaturePriv, WireFormatPublicMessage, pt.Content, ctx)
	require.Nil(t, err)

	pt.MembershipTag, err = pt.membershipMAC(s.CipherSuite, s.Keys.MembershipKey, ctx)
	require.Nil(t, err)
}

func TestStateEmpty(t *testing.T) {
	suite := supportedSuites[0]
	alice := newTestIdentity(t, suite, "alice")

	s, err := NewEmptyState(testGroupID, alice, Config{}, NewExtensionList())
	require.Nil(t, err)
	require.Equal(t, uint64(0), s.Epoch)
	require.Equal(t, LeafIndex(0), s.Index)
	require.Equal(t, 1, len(s.Members()))
	require.True(t, alice.Credential.Equals(s.Members()[0].Credential))
	require.Equal(t, DefaultReplayWindow, int(s.Config.ReplayWindow))
	require.Equal(t, DefaultEpochRetention, s.Config.EpochRetention)

	_, err = NewEmptyState([]byte{}, alice, Config{}, NewExtensionList())
	require.Error(t, err)

	// Extensions the creator cannot support are refused
	exts := NewExtensionList()
	require.Nil(t, exts.Add(TwoByteExtension{0x01, 0x02}))
	_, err = NewEmptyState(testGroupID, alice, Config{}, exts)
	require.Error(t, err)

	_, err = NewEmptyState(testGroupID, alice, Config{CredentialVerifier: NewX509CredentialVerifier(nil)}, NewExtensionList())
	require.ErrorIs(t, err, ErrCredentialRejected)

	// A lone member can still move through epochs
	_, welcome, next, err := s.Commit(CommitOptions{})
	require.Nil(t, err)
	require.Nil(t, welcome)
	require.Equal(t, uint64(1), next.Epoch)
	require.Equal(t, uint64(0), s.Epoch)
	require.NotEqual(t, s.EpochAuthenticator(), next.EpochAuthenticator())
}

func TestStateMembership(t *testing.T) {
	run := func(suite CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			states := newTestGroup(t, suite, 5, Config{})

			// Everybody can talk to everybody
			for i, sender := range states {
				ct, err := sender.Protect([]byte(fmt.Sprintf("from %d", i)), nil)
				require.Nil(t, err)

				for j, receiver := range states {
					if i == j {
						continue
					}
					pt, _, err := receiver.Unprotect(wire(t, ct))
					require.Nil(t, err)
					require.Equal(t, []byte(fmt.Sprintf("from %d", i)), pt)
				}
			}

			// Member 2 updates, member 0 commits
			oldLeaf, ok := states[2].Tree.LeafNode(2)
			require.True(t, ok)
			oldKey := dup(oldLeaf.EncryptionKey.Data)
			update, err := states[2].Update()
			require.Nil(t, err)
			broadcastProposal(t, states, 2, update)
			states = commitAll(t, states, 0, CommitOptions{})
			require.Equal(t, uint64(2), states[0].Epoch)
			newLeaf, _ := states[0].Tree.LeafNode(2)
			require.NotEqual(t, oldKey, newLeaf.EncryptionKey.Data)
			require.Empty(t, states[2].UpdateSecrets)

			// Member 1 proposes removing member 3, member 4 commits
			remove, err := states[1].Remove(3)
			require.Nil(t, err)
			broadcastProposal(t, states, 1, remove)

			commit, welcome, next, err := states[4].Commit(CommitOptions{})
			require.Nil(t, err)
			require.Nil(t, welcome)

			evicted := states[3]
			_, _, err = evicted.Handle(wire(t, commit))
			require.ErrorIs(t, err, ErrEvicted)

			remaining := []*State{}
			for i, s := range states {
				switch i {
				case 3:
					continue
				case 4:
					remaining = append(remaining, next)
				default:
					_, n, err := s.Handle(wire(t, commit))
					require.Nil(t, err)
					remaining = append(remaining, n)
				}
			}
			states = remaining
			requireInSync(t, states)
			require.Equal(t, 4, len(states[0].Members()))
			require.False(t, states[0].Tree.IsMember(3))

			// The removed member cannot read the new epoch
			ct, err := states[0].Protect(testMessage, nil)
			require.Nil(t, err)
			_, _, err = evicted.Unprotect(wire(t, ct))
			require.ErrorIs(t, err, ErrFutureEpoch)

			// A new member fills the hole
			carol := newTestIdentity(t, suite, "carol")
			kpb := newTestKeyPackage(t, carol)
			add, err := states[1].Add(kpb.KeyPackage)
			require.Nil(t, err)
			broadcastProposal(t, states, 1, add)

			commit, welcome, next, err = states[1].Commit(CommitOptions{})
			require.Nil(t, err)
			require.NotNil(t, welcome)

			for i, s := range states {
				if i == 1 {
					states[i] = next
					continue
				}
				_, n, err := s.Handle(wire(t, commit))
				require.Nil(t, err)
				states[i] = n
			}

			joined, err := NewJoinedState(carol, []KeyPackageBundle{*kpb}, *welcome, Config{})
			require.Nil(t, err)
			require.Equal(t, LeafIndex(3), joined.Index)
			states = append(states, joined)
			requireInSync(t, states)
			require.Equal(t, 5, len(joined.Members()))
		}
	}

	for _, suite := range supportedSuites {
		t.Run(suite.String(), run(suite))
	}
}

func TestStateTruncate(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 3, Config{})
	require.Equal(t, LeafCount(4), states[0].Tree.Size())

	remove, err := states[0].Remove(2)
	require.Nil(t, err)
	broadcastProposal(t, states[:2], 0, remove)

	states = commitAll(t, states[:2], 0, CommitOptions{})
	require.Equal(t, LeafCount(2), states[0].Tree.Size())
}

func TestStateRemovedByOther(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 3, Config{})

	// A member may propose its own removal; it just cannot commit it
	leave, err := states[0].Remove(0)
	require.Nil(t, err)
	broadcastProposal(t, states, 0, leave)

	_, _, own, err := states[0].Commit(CommitOptions{})
	require.Nil(t, err)
	require.True(t, own.Tree.IsMember(0))

	commit, _, next, err := states[1].Commit(CommitOptions{})
	require.Nil(t, err)
	require.False(t, next.Tree.IsMember(0))

	_, _, err = states[0].Handle(wire(t, commit))
	require.ErrorIs(t, err, ErrEvicted)

	_, n, err := states[2].Handle(wire(t, commit))
	require.Nil(t, err)
	requireInSync(t, []*State{next, n})
}

func TestStateCommitValidation(t *testing.T) {
	suite := supportedSuites[0]

	requireValidation := func(t *testing.T, err error, reason error) *ValidationError {
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), "%v", err)
		require.ErrorIs(t, err, reason)
		return ve
	}

	t.Run("unknown-leaf", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		_, err := states[0].Remove(9)
		ve := requireValidation(t, err, ErrUnknownLeaf)
		require.Equal(t, ProposalTypeRemove, ve.Proposal)
	})

	t.Run("duplicate-member", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		kpb, err := states[1].Identity.NewKeyPackage(nil)
		require.Nil(t, err)

		_, err = states[0].Add(kpb.KeyPackage)
		ve := requireValidation(t, err, ErrDuplicateMember)
		require.Equal(t, ProposalTypeAdd, ve.Proposal)
	})

	t.Run("wrong-suite", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		other := newTestKeyPackage(t, newTestIdentity(t, supportedSuites[1], "other"))
		_, err := states[0].Add(other.KeyPackage)
		requireValidation(t, err, ErrWrongCipherSuite)
	})

	t.Run("bad-key-package", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		kpb := newTestKeyPackage(t, newTestIdentity(t, suite, "carol"))
		kpb.KeyPackage.Signature[0] ^= 0x01
		_, err := states[0].Add(kpb.KeyPackage)
		requireValidation(t, err, ErrInvalidKeyPackage)
	})

	t.Run("add-twice", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		kpb := newTestKeyPackage(t, newTestIdentity(t, suite, "carol"))
		add := Proposal{Add: &AddProposal{KeyPackage: kpb.KeyPackage}}
		_, _, _, err := states[0].Commit(CommitOptions{Inline: []Proposal{add, add}})
		requireValidation(t, err, ErrDuplicateMember)
	})

	t.Run("self-remove", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		remove := Proposal{Remove: &RemoveProposal{Removed: 0}}
		_, _, _, err := states[0].Commit(CommitOptions{Inline: []Proposal{remove}})
		requireValidation(t, err, ErrSelfRemove)
	})

	t.Run("committer-update", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		s := states[0]
		priv, err := suite.hpke().Derive(randomBytes(32))
		require.Nil(t, err)
		leaf, err := s.Identity.newLeafNode(priv.PublicKey, LeafNodeSourceUpdate, s.GroupID, s.Index)
		require.Nil(t, err)

		update := Proposal{Update: &UpdateProposal{LeafNode: leaf}}
		_, _, _, err = s.Commit(CommitOptions{Inline: []Proposal{update}})
		requireValidation(t, err, ErrCommitterUpdate)
	})

	t.Run("update-and-remove", func(t *testing.T) {
		states := newTestGroup(t, suite, 3, Config{})
		update, err := states[2].Update()
		require.Nil(t, err)
		broadcastProposal(t, states, 2, update)

		remove := Proposal{Remove: &RemoveProposal{Removed: 2}}
		_, _, _, err = states[0].Commit(CommitOptions{Inline: []Proposal{remove}})
		requireValidation(t, err, ErrConflictingProposals)
	})

	t.Run("two-extension-changes", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		gce := Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: NewExtensionList()}}
		_, _, _, err := states[0].Commit(CommitOptions{Inline: []Proposal{gce, gce}})
		requireValidation(t, err, ErrConflictingProposals)
	})

	t.Run("external-init", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})
		ei := Proposal{ExternalInit: &ExternalInitProposal{KEMOutput: []byte{0x01}}}
		_, _, _, err := states[0].Commit(CommitOptions{Inline: []Proposal{ei}})
		requireValidation(t, err, ErrExternalInit)
	})

	t.Run("unknown-reference", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, Config{})

		// The proposal never reaches member 1
		_, err := states[0].Remove(1)
		require.Nil(t, err)

		commit, _, _, err := states[0].Commit(CommitOptions{})
		require.Nil(t, err)

		_, _, err = states[1].Handle(wire(t, commit))
		requireValidation(t, err, ErrUnknownProposalRef)
	})

	t.Run("invalid-cached-proposal-skipped", func(t *testing.T) {
		states := newTestGroup(t, suite, 3, Config{})
		update, err := states[2].Update()
		require.Nil(t, err)
		broadcastProposal(t, states, 2, update)

		remove, err := states[1].Remove(2)
		require.Nil(t, err)
		broadcastProposal(t, states, 1, remove)

		// Only the first of the two conflicting proposals is committed
		states = commitAll(t, states, 0, CommitOptions{})
		require.Equal(t, 3, len(states[0].Members()))
	})
}

func TestStateCommitErrors(t *testing.T) {
	suite := supportedSuites[0]

	setup := func(t *testing.T) ([]*State, *MLSMessage) {
		states := newTestGroup(t, suite, 3, Config{})
		update, err := states[2].Update()
		require.Nil(t, err)
		broadcastProposal(t, states, 2, update)

		commit, _, _, err := states[0].Commit(CommitOptions{})
		require.Nil(t, err)
		require.NotNil(t, commit.Public)
		return states, wire(t, commit)
	}

	t.Run("missing-path", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.Content.Commit.Path = nil
		resign(t, states[0], commit)

		_, _, err := states[1].Handle(commit)
		var ce *CommitError
		require.True(t, errors.As(err, &ce))
		require.ErrorIs(t, err, ErrMissingPath)
	})

	t.Run("confirmation-tag", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.Auth.ConfirmationTag[0] ^= 0x01
		resign(t, states[0], commit)

		_, _, err := states[1].Handle(commit)
		require.ErrorIs(t, err, ErrConfirmationMismatch)
	})

	t.Run("path-from-wrong-leaf", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.Content.Commit.Path.LeafNode.Signature[0] ^= 0x01
		resign(t, states[0], commit)

		_, _, err := states[1].Handle(commit)
		require.ErrorIs(t, err, ErrMalformedPath)
	})

	t.Run("signature", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.Auth.Signature[0] ^= 0x01
		commit.Public.MembershipTag, _ = commit.Public.membershipMAC(suite, states[0].Keys.MembershipKey, mustGroupContext(t, states[0]))

		_, _, err := states[1].Handle(commit)
		require.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("membership-tag", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.MembershipTag[0] ^= 0x01

		_, _, err := states[1].Handle(commit)
		require.ErrorIs(t, err, ErrMembershipMismatch)
	})

	t.Run("future-epoch", func(t *testing.T) {
		states, commit := setup(t)
		commit.Public.Content.Epoch += 1

		_, _, err := states[1].Handle(commit)
		require.ErrorIs(t, err, ErrFutureEpoch)
	})

	t.Run("own-commit", func(t *testing.T) {
		states, commit := setup(t)
		pm, next, err := states[0].Handle(commit)
		require.Nil(t, err)
		require.Nil(t, next)
		require.True(t, pm.OwnCommit)
	})
}

func mustGroupContext(t *testing.T, s *State) GroupContext {
	ctx, err := s.groupContext()
	require.Nil(t, err)
	return ctx
}

func TestStateFork(t *testing.T) {
	run := func(encrypt bool) func(t *testing.T) {
		return func(t *testing.T) {
			suite := supportedSuites[0]
			states := newTestGroup(t, suite, 3, Config{EncryptHandshake: encrypt})

			first, _, firstNext, err := states[0].Commit(CommitOptions{})
			require.Nil(t, err)
			second, _, _, err := states[1].Commit(CommitOptions{})
			require.Nil(t, err)

			if encrypt {
				require.NotNil(t, first.Private)
			}

			_, next, err := states[2].Handle(wire(t, first))
			require.Nil(t, err)
			require.True(t, next.Equals(firstNext))

			_, _, err = next.Handle(wire(t, second))
			require.ErrorIs(t, err, ErrFork)

			var fork *ForkError
			require.True(t, errors.As(err, &fork))
			require.Equal(t, uint64(1), fork.Epoch)
			require.Equal(t, firstNext.CommitRef, fork.Accepted)
			require.False(t, bytes.Equal(fork.Accepted, fork.Conflicting))

			// The commit already applied is recognized as such
			_, _, err = next.Handle(wire(t, first))
			require.ErrorIs(t, err, ErrDuplicateCommit)
		}
	}

	t.Run("public", run(false))
	t.Run("private", run(true))
}

func TestStateStaleProposal(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})

	update, err := states[1].Update()
	require.Nil(t, err)

	states = commitAll(t, states, 0, CommitOptions{})

	_, _, err = states[0].Handle(wire(t, update))
	require.ErrorIs(t, err, ErrStaleEpoch)
}

func TestStateEncryptedHandshake(t *testing.T) {
	suite := supportedSuites[1]
	states := newTestGroup(t, suite, 3, Config{EncryptHandshake: true})

	update, err := states[1].Update()
	require.Nil(t, err)
	require.NotNil(t, update.Private)
	require.Equal(t, ContentTypeProposal, update.Private.ContentType)
	broadcastProposal(t, states, 1, update)

	// The same ciphertext is not accepted twice
	_, _, err = states[0].Handle(wire(t, update))
	require.ErrorIs(t, err, ErrReplay)

	states = commitAll(t, states, 2, CommitOptions{})
	require.Equal(t, uint64(2), states[0].Epoch)
}

func TestStatePreSharedKey(t *testing.T) {
	suite := supportedSuites[0]
	psk := bytes.Repeat([]byte{0x07}, 32)
	cfg := Config{PSKs: map[string][]byte{"psk-1": psk}}
	external := PreSharedKeyID{PSKType: PSKTypeExternal, PSKID: []byte("psk-1")}

	t.Run("external", func(t *testing.T) {
		states := newTestGroup(t, suite, 3, cfg)
		before := states[0].EpochAuthenticator()

		msg, err := states[0].PreSharedKey(external)
		require.Nil(t, err)
		broadcastProposal(t, states, 0, msg)

		states = commitAll(t, states, 1, CommitOptions{})
		require.NotEqual(t, before, states[0].EpochAuthenticator())
	})

	t.Run("resumption", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, cfg)
		states = commitAll(t, states, 0, CommitOptions{})

		for _, epoch := range []uint64{1, 2} {
			msg, err := states[1].PreSharedKey(PreSharedKeyID{
				PSKType:    PSKTypeResumption,
				PSKGroupID: testGroupID,
				PSKEpoch:   epoch,
			})
			require.Nil(t, err)
			broadcastProposal(t, states, 1, msg)
			states = commitAll(t, states, 0, CommitOptions{})
		}

		_, err := states[1].PreSharedKey(PreSharedKeyID{
			PSKType:    PSKTypeResumption,
			PSKGroupID: []byte("other"),
			PSKEpoch:   1,
		})
		require.ErrorIs(t, err, ErrUnknownPSK)
	})

	t.Run("unknown", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, cfg)
		_, err := states[0].PreSharedKey(PreSharedKeyID{PSKType: PSKTypeExternal, PSKID: []byte("missing")})
		require.ErrorIs(t, err, ErrUnknownPSK)

		// A receiver without the key refuses the proposal
		msg, err := states[0].PreSharedKey(external)
		require.Nil(t, err)
		states[1].Config.PSKs = map[string][]byte{}
		_, _, err = states[1].Handle(wire(t, msg))
		require.ErrorIs(t, err, ErrUnknownPSK)
	})

	t.Run("duplicate", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, cfg)
		id := external
		id.PSKNonce = bytes.Repeat([]byte{0x01}, 32)
		p := Proposal{PreSharedKey: &PreSharedKeyProposal{PSK: id}}
		_, _, _, err := states[0].Commit(CommitOptions{Inline: []Proposal{p, p}})
		require.ErrorIs(t, err, ErrDuplicatePSK)
		require.NotErrorIs(t, err, ErrUnknownPSK)
	})

	t.Run("joiner", func(t *testing.T) {
		states := newTestGroup(t, suite, 2, cfg)

		msg, err := states[0].PreSharedKey(external)
		require.Nil(t, err)
		broadcastProposal(t, states, 0, msg)

		carol := newTestIdentity(t, suite, "carol")
		kpb := newTestKeyPackage(t, carol)
		add, err := states[0].Add(kpb.KeyPackage)
		require.Nil(t, err)
		broadcastProposal(t, states, 0, add)

		commit, welcome, next, err := states[0].Commit(CommitOptions{})
		require.Nil(t, err)
		require.NotNil(t, welcome)

		_, err = NewJoinedState(carol, []KeyPackageBundle{*kpb}, *welcome, Config{})
		require.ErrorIs(t, err, ErrUnknownPSK)

		joined, err := NewJoinedState(carol, []KeyPackageBundle{*kpb}, *welcome, cfg)
		require.Nil(t, err)

		_, other, err := states[1].Handle(wire(t, commit))
		require.Nil(t, err)
		requireInSync(t, []*State{next, other, joined})
	})
}

func TestStateReInit(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})

	_, err := states[0].ReInit([]byte("next-group"), CipherSuite(0x0009), NewExtensionList())
	require.ErrorIs(t, err, ErrWrongCipherSuite)

	msg, err := states[0].ReInit([]byte("next-group"), supportedSuites[1], NewExtensionList())
	require.Nil(t, err)
	broadcastProposal(t, states, 0, msg)

	states = commitAll(t, states, 1, CommitOptions{})
	for _, s := range states {
		require.NotNil(t, s.ReInitTo)
		require.Equal(t, []byte("next-group"), s.ReInitTo.GroupID)
		require.Equal(t, supportedSuites[1], s.ReInitTo.CipherSuite)
	}

	_, err = states[0].Update()
	require.ErrorIs(t, err, ErrGroupReInitted)

	_, _, _, err = states[1].Commit(CommitOptions{})
	require.ErrorIs(t, err, ErrGroupReInitted)
}

func TestStateReInitAlone(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})

	remove, err := states[0].Remove(1)
	require.Nil(t, err)
	broadcastProposal(t, states, 0, remove)

	reinit := Proposal{ReInit: &ReInitProposal{
		GroupID:     []byte("next-group"),
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		Extensions:  NewExtensionList(),
	}}
	_, _, _, err = states[0].Commit(CommitOptions{Inline: []Proposal{reinit}})
	require.ErrorIs(t, err, ErrInvalidReInit)
}

func TestStateGroupContextExtensions(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 3, Config{})

	exts := NewExtensionList()
	require.Nil(t, exts.Add(ApplicationIDExtension{ApplicationID: []byte("chat")}))
	require.Nil(t, exts.Add(RequiredCapabilitiesExtension{
		Extensions:  []ExtensionType{ExtensionTypeApplicationID},
		Proposals:   []ProposalType{},
		Credentials: []CredentialType{CredentialTypeBasic},
	}))

	msg, err := states[2].GroupContextExtensions(exts)
	require.Nil(t, err)
	broadcastProposal(t, states, 2, msg)

	states = commitAll(t, states, 0, CommitOptions{})
	for _, s := range states {
		require.True(t, s.Extensions.Equals(exts))

		var aid ApplicationIDExtension
		found, err := s.Extensions.Find(&aid)
		require.Nil(t, err)
		require.True(t, found)
		require.Equal(t, []byte("chat"), aid.ApplicationID)
	}

	// New members must meet the requirements
	dave := newTestIdentity(t, suite, "dave")
	dave.Capabilities.Credentials = []CredentialType{CredentialTypeX509}
	kpb := newTestKeyPackage(t, dave)
	_, err = states[0].Add(kpb.KeyPackage)
	require.ErrorIs(t, err, ErrUnsupportedExtension)

	unsupported := NewExtensionList()
	require.Nil(t, unsupported.Add(TwoByteExtension{0x01, 0x02}))
	_, err = states[0].GroupContextExtensions(unsupported)
	require.ErrorIs(t, err, ErrUnsupportedExtension)
}

func TestStateHistory(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{EpochRetention: 2})

	early, err := states[1].Protect([]byte("early"), nil)
	require.Nil(t, err)
	late, err := states[1].Protect([]byte("late"), nil)
	require.Nil(t, err)

	states = commitAll(t, states, 0, CommitOptions{})
	states = commitAll(t, states, 0, CommitOptions{})
	require.Equal(t, uint64(3), states[0].Epoch)
	require.Equal(t, 2, len(states[0].History))
	require.Equal(t, uint64(1), states[0].History[0].Epoch)

	// Epoch 1 is still retained
	pt, _, err := states[0].Unprotect(wire(t, early))
	require.Nil(t, err)
	require.Equal(t, []byte("early"), pt)

	_, _, err = states[0].Unprotect(wire(t, early))
	require.ErrorIs(t, err, ErrReplay)

	states = commitAll(t, states, 1, CommitOptions{})
	require.Equal(t, 2, len(states[0].History))
	require.Equal(t, uint64(2), states[0].History[0].Epoch)

	_, _, err = states[0].Unprotect(wire(t, late))
	require.ErrorIs(t, err, ErrStaleEpoch)

	// Retained epochs keep no epoch secret
	for _, r := range states[0].History {
		require.Empty(t, r.Keys.EpochSecret)
		require.NotEmpty(t, r.Keys.MembershipKey)
	}
}

func TestStateDeterministic(t *testing.T) {
	suite := supportedSuites[0]

	build := func() *State {
		id, err := NewIdentity(suite, []byte("alice"), newTestRandom(t, 0x01))
		require.Nil(t, err)

		s, err := NewEmptyState(testGroupID, id, Config{Random: newTestRandom(t, 0x02)}, NewExtensionList())
		require.Nil(t, err)

		_, _, next, err := s.Commit(CommitOptions{ForcePath: true})
		require.Nil(t, err)
		return next
	}

	a, b := build(), build()
	require.True(t, a.Equals(b))
	require.Equal(t, a.EpochAuthenticator(), b.EpochAuthenticator())
	require.Equal(t, mustExport(t, a, "test", []byte("ctx"), 16), mustExport(t, b, "test", []byte("ctx"), 16))
}

func mustExport(t *testing.T, s *State, label string, context []byte, length int) []byte {
	out, err := s.ExportSecret(label, context, length)
	require.Nil(t, err)
	return out
}

func TestStateExport(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 3, Config{})

	secret := mustExport(t, states[0], "label", []byte("context"), 32)
	require.Equal(t, 32, len(secret))
	for _, s := range states[1:] {
		require.Equal(t, secret, mustExport(t, s, "label", []byte("context"), 32))
	}
	require.NotEqual(t, secret, mustExport(t, states[0], "other", []byte("context"), 32))

	// Out-of-range requests fail instead of panicking
	_, err := states[0].ExportSecret("label", nil, -1)
	require.ErrorIs(t, err, ErrExportLength)
	_, err = states[0].ExportSecret("label", nil, 9000)
	require.ErrorIs(t, err, ErrExportLength)
	_, err = states[0].ExportSecret(strings.Repeat("l", 248), nil, 16)
	require.ErrorIs(t, err, ErrExportLabel)

	tree, err := states[0].ExportRatchetTree()
	require.Nil(t, err)
	other, err := states[1].ExportRatchetTree()
	require.Nil(t, err)
	require.Equal(t, tree, other)
}

func TestStateForwardSecrecy(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})
	alice, bob := states[0], states[1]
	size := alice.Tree.Size()

	// Epoch 1 to 2: Bob replaces his leaf key and Alice commits it
	oldLeafPriv := bob.TreePriv.PrivateKeys[toNodeIndex(bob.Index)].clone()
	upd, err := bob.Update()
	require.Nil(t, err)
	newLeafPriv := bob.UpdateSecrets[0].Priv.clone()
	broadcastProposal(t, states, 1, upd)

	commit, _, alice2, err := alice.Commit(CommitOptions{})
	require.Nil(t, err)
	_, bob2, err := bob.Handle(wire(t, commit))
	require.Nil(t, err)
	requireInSync(t, []*State{alice2, bob2})

	// The path secret for Bob is sealed under the epoch 2 tree with the
	// epoch 1 transcript
	path := commit.Public.Content.Commit.Path
	require.NotNil(t, path)
	require.Len(t, path.Nodes, 1)
	require.Len(t, path.Nodes[0].EncryptedPathSecret, 1)
	ct := path.Nodes[0].EncryptedPathSecret[0]

	provisional := bob2.clone()
	provisional.Epoch = bob.Epoch
	provisional.ConfirmedTranscriptHash = dup(bob.ConfirmedTranscriptHash)
	info, err := provisional.provisionalContext()
	require.Nil(t, err)

	pathSecret, err := suite.hpke().Decrypt(newLeafPriv, info, ct)
	require.Nil(t, err)
	require.NotEmpty(t, pathSecret)

	_, err = suite.hpke().Decrypt(oldLeafPriv, info, ct)
	require.Error(t, err)

	// Epoch 2 to 3: Alice removes Bob
	remove := []Proposal{{Remove: &RemoveProposal{Removed: bob.Index}}}
	commit, _, alice3, err := alice2.Commit(CommitOptions{Inline: remove})
	require.Nil(t, err)
	_, _, err = bob2.Handle(wire(t, commit))
	require.ErrorIs(t, err, ErrEvicted)

	ctx3, err := alice3.groupContextBytes()
	require.Nil(t, err)
	size3 := alice3.Tree.Size()
	label, exportCtx := "forward", []byte("secrecy")
	secret3 := mustExport(t, alice3, label, exportCtx, 32)

	// The epoch 2 schedule reaches epoch 3 only with Alice's commit secret
	actual := alice3.TreePriv.CommitSecret(size3)
	keys, _ := bob2.Keys.Next(size3, nil, actual, ctx3)
	require.Equal(t, alice3.EpochAuthenticator(), keys.EpochAuthenticator)

	guesses := [][]byte{
		suite.zero(),
		bob2.TreePriv.CommitSecret(size),
		bob2.TreePriv.CommitSecret(size3),
		pathSecret,
	}
	for _, guess := range guesses {
		keys, _ := bob2.Keys.Next(size3, nil, guess, ctx3)
		require.NotEqual(t, alice3.EpochAuthenticator(), keys.EpochAuthenticator)

		exported, err := keys.Export(label, exportCtx, 32)
		require.Nil(t, err)
		require.NotEqual(t, secret3, exported)
	}
}
