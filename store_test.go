package mls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, []byte("missing"))
	require.ErrorIs(t, err, ErrGroupNotFound)

	state := []byte{0x01, 0x02, 0x03}
	require.Nil(t, store.Save(ctx, []byte("group"), state))

	// The store keeps its own copy
	state[0] = 0xff
	loaded, err := store.Load(ctx, []byte("group"))
	require.Nil(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, loaded)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, store.Save(canceled, []byte("group"), state), context.Canceled)
}

func TestEncodeDecodeState(t *testing.T) {
	run := func(suite CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			psk := PreSharedKeyID{PSKType: PSKTypeExternal, PSKID: []byte("psk")}
			cfg := Config{PSKs: map[string][]byte{"psk": randomBytes(32)}}
			states := newTestGroup(t, suite, 3, cfg)

			states = commitAll(t, states, 0, CommitOptions{})

			// Leave some pending work behind
			_, err := states[1].Update()
			require.Nil(t, err)
			_, err = states[1].PreSharedKey(psk)
			require.Nil(t, err)

			data, err := EncodeState(states[1])
			require.Nil(t, err)

			restored, err := DecodeState(data, cfg)
			require.Nil(t, err)
			require.True(t, restored.Equals(states[1]))
			require.Equal(t, states[1].Index, restored.Index)
			require.Equal(t, len(states[1].PendingProposals), len(restored.PendingProposals))
			require.Equal(t, len(states[1].UpdateSecrets), len(restored.UpdateSecrets))
			require.Equal(t, len(states[1].History), len(restored.History))
			require.True(t, restored.TreePriv.Consistent(restored.Tree))

			// The restored member carries on where it left off
			ct, err := states[0].Protect(testMessage, nil)
			require.Nil(t, err)
			pt, _, err := restored.Unprotect(wire(t, ct))
			require.Nil(t, err)
			require.Equal(t, testMessage, pt)

			ct, err = restored.Protect(testMessage, nil)
			require.Nil(t, err)
			pt, _, err = states[2].Unprotect(wire(t, ct))
			require.Nil(t, err)
			require.Equal(t, testMessage, pt)
		}
	}

	for _, suite := range supportedSuites {
		t.Run(suite.String(), run(suite))
	}
}

func TestDecodeStateErrors(t *testing.T) {
	suite := supportedSuites[0]
	s, err := NewEmptyState(testGroupID, newTestIdentity(t, suite, "alice"), Config{}, NewExtensionList())
	require.Nil(t, err)

	data, err := EncodeState(s)
	require.Nil(t, err)

	_, err = DecodeState(append(data, 0x00), Config{})
	require.Error(t, err)

	_, err = DecodeState(data[:len(data)/2], Config{})
	require.Error(t, err)

	// Local policy comes from the caller
	restored, err := DecodeState(data, Config{ReplayWindow: 7, EpochRetention: 1})
	require.Nil(t, err)
	require.Equal(t, uint32(7), restored.Config.ReplayWindow)
	require.Equal(t, uint32(7), restored.Keys.ReplayWindow)
	require.Equal(t, 1, restored.Config.EpochRetention)
}
