package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectUnprotect(t *testing.T) {
	run := func(suite CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			states := newTestGroup(t, suite, 3, Config{})
			alice, bob := states[0], states[1]

			ct, err := alice.Protect(testMessage, testAAD)
			require.Nil(t, err)
			require.Equal(t, WireFormatPrivateMessage, ct.WireFormat())
			require.Equal(t, alice.GroupID, ct.GroupID())
			require.Equal(t, alice.Epoch, ct.Epoch())

			pt, aad, err := bob.Unprotect(wire(t, ct))
			require.Nil(t, err)
			require.Equal(t, testMessage, pt)
			require.Equal(t, testAAD, aad)

			// Each ciphertext is accepted once
			_, _, err = bob.Unprotect(wire(t, ct))
			require.ErrorIs(t, err, ErrReplay)

			// The sender cannot read its own messages
			_, _, err = alice.Unprotect(wire(t, ct))
			require.ErrorIs(t, err, ErrReplay)

			// Empty messages are fine
			ct, err = alice.Protect([]byte{}, nil)
			require.Nil(t, err)
			pt, aad, err = bob.Unprotect(wire(t, ct))
			require.Nil(t, err)
			require.Empty(t, pt)
			require.Empty(t, aad)
		}
	}

	for _, suite := range supportedSuites {
		t.Run(suite.String(), run(suite))
	}
}

func TestUnprotectOutOfOrder(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{ReplayWindow: 4, MaxForwardDistance: 8})
	alice, bob := states[0], states[1]

	msgs := make([]*MLSMessage, 6)
	for i := range msgs {
		var err error
		msgs[i], err = alice.Protect([]byte{byte(i)}, nil)
		require.Nil(t, err)
	}

	for _, i := range []int{3, 1, 2, 4, 5} {
		pt, _, err := bob.Unprotect(wire(t, msgs[i]))
		require.Nil(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}

	_, _, err := bob.Unprotect(wire(t, msgs[2]))
	require.ErrorIs(t, err, ErrReplay)

	// The first message has fallen out of the window
	_, _, err = bob.Unprotect(wire(t, msgs[0]))
	require.ErrorIs(t, err, ErrGenerationTooOld)

	// Too far ahead of the newest generation seen
	far := wire(t, msgs[5])
	far.Private.Generation = 100
	_, _, err = bob.Unprotect(far)
	require.ErrorIs(t, err, ErrGenerationTooFar)
}

func TestUnprotectErrors(t *testing.T) {
	suite := supportedSuites[0]

	setup := func(t *testing.T) (*State, *State, *MLSMessage) {
		states := newTestGroup(t, suite, 2, Config{})
		ct, err := states[0].Protect(testMessage, testAAD)
		require.Nil(t, err)
		return states[0], states[1], wire(t, ct)
	}

	requireProtection := func(t *testing.T, err error, reason error) {
		var pe *ProtectionError
		require.ErrorAs(t, err, &pe)
		require.ErrorIs(t, err, reason)
	}

	t.Run("wrong-group", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.GroupID = []byte("other")
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrWrongGroup)
	})

	t.Run("future-epoch", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.Epoch += 1
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrFutureEpoch)
	})

	t.Run("stale-epoch", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.Epoch = 0
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrStaleEpoch)
	})

	t.Run("unknown-sender", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.Sender = 7
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrUnknownSender)
	})

	t.Run("tampered", func(t *testing.T) {
		_, bob, ct := setup(t)
		good := wire(t, ct)

		ct.Private.Tag[0] ^= 0x01
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrTagMismatch)

		// The failure consumed nothing
		pt, _, err := bob.Unprotect(good)
		require.Nil(t, err)
		require.Equal(t, testMessage, pt)
	})

	t.Run("tampered-header", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.Generation += 1
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrTagMismatch)
	})

	t.Run("signature", func(t *testing.T) {
		alice, bob, _ := setup(t)

		// Sealed under the right key but signed by somebody else
		content := FramedContent{
			GroupID:     alice.GroupID,
			Epoch:       alice.Epoch,
			Sender:      memberSender(alice.Index),
			Application: testMessage,
		}
		ctx := mustGroupContext(t, alice)
		ac, err := alice.sign(WireFormatPrivateMessage, content, ctx)
		require.Nil(t, err)
		ac.Auth.Signature[0] ^= 0x01

		ct, err := alice.encrypt(ac)
		require.Nil(t, err)

		_, _, err = bob.Unprotect(wire(t, ct))
		requireProtection(t, err, ErrSignatureMismatch)
	})

	t.Run("envelope-signature", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Private.Signature[0] ^= 0x01
		_, _, err := bob.Unprotect(ct)
		requireProtection(t, err, ErrSignatureMismatch)
	})

	t.Run("resealed", func(t *testing.T) {
		alice, bob, _ := setup(t)

		// Two ciphertexts under the same key and generation
		twin := alice.clone()
		original, err := alice.Protect([]byte("original"), nil)
		require.Nil(t, err)
		forged, err := twin.Protect([]byte("forged"), nil)
		require.Nil(t, err)
		require.Equal(t, original.Private.Generation, forged.Private.Generation)

		// The forged body is a valid AEAD seal but carries the original's
		// envelope signature
		forged.Private.Signature = original.Private.Signature
		_, _, err = bob.Unprotect(wire(t, forged))
		requireProtection(t, err, ErrSignatureMismatch)

		pt, _, err := bob.Unprotect(wire(t, original))
		require.Nil(t, err)
		require.Equal(t, []byte("original"), pt)
	})

	t.Run("handshake", func(t *testing.T) {
		alice, bob, _ := setup(t)
		update, err := alice.Update()
		require.Nil(t, err)

		_, _, err = bob.Unprotect(wire(t, update))
		requireProtection(t, err, ErrMalformedMessage)
	})

	t.Run("key-package", func(t *testing.T) {
		_, bob, _ := setup(t)
		kpb := newTestKeyPackage(t, newTestIdentity(t, suite, "carol"))
		msg := &MLSMessage{Version: ProtocolVersionMLS10, KeyPackage: &kpb.KeyPackage}

		_, _, err := bob.Handle(msg)
		requireProtection(t, err, ErrMalformedMessage)
	})

	t.Run("version", func(t *testing.T) {
		_, bob, ct := setup(t)
		ct.Version = 2
		_, _, err := bob.Handle(ct)
		requireProtection(t, err, ErrMalformedMessage)
	})
}

func TestHandleApplication(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})

	ct, err := states[0].Protect(testMessage, testAAD)
	require.Nil(t, err)

	pm, next, err := states[1].Handle(wire(t, ct))
	require.Nil(t, err)
	require.Nil(t, next)
	require.Equal(t, ContentTypeApplication, pm.ContentType)
	require.Equal(t, LeafIndex(0), pm.Sender)
	require.Equal(t, uint64(1), pm.Epoch)
	require.Equal(t, testMessage, pm.ApplicationData)
	require.Equal(t, testAAD, pm.AuthenticatedData)
}

func TestUnprotectPastEpoch(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 3, Config{})

	// Sent before the commit, delivered after it
	late, err := states[2].Protect([]byte("late"), nil)
	require.Nil(t, err)

	states = commitAll(t, states, 0, CommitOptions{})

	pt, _, err := states[1].Unprotect(wire(t, late))
	require.Nil(t, err)
	require.Equal(t, []byte("late"), pt)
}

func TestProtectPublicHandshake(t *testing.T) {
	suite := supportedSuites[0]
	states := newTestGroup(t, suite, 2, Config{})

	update, err := states[1].Update()
	require.Nil(t, err)
	require.Equal(t, WireFormatPublicMessage, update.WireFormat())
	require.NotEmpty(t, update.Public.MembershipTag)

	// An application message in the clear is never accepted
	content := FramedContent{
		GroupID:     states[1].GroupID,
		Epoch:       states[1].Epoch,
		Sender:      memberSender(states[1].Index),
		Application: testMessage,
	}
	ctx := mustGroupContext(t, states[1])
	ac, err := states[1].sign(WireFormatPublicMessage, content, ctx)
	require.Nil(t, err)
	msg, err := states[1].protect(ac, ctx)
	require.Nil(t, err)

	_, _, err = states[0].Handle(wire(t, msg))
	require.ErrorIs(t, err, ErrMalformedMessage)
}
