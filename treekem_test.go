package mls

import (
	"errors"
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

type treeKEMTestMember struct {
	id   *Identity
	kpb  *KeyPackageBundle
	priv *TreeKEMPrivateKey
}

func newTreeKEMTestMember(t *testing.T, suite CipherSuite, name string) *treeKEMTestMember {
	id := newTestIdentity(t, suite, name)
	return &treeKEMTestMember{id: id, kpb: newTestKeyPackage(t, id)}
}

func TestTreeKEMMulti(t *testing.T) {
	groupSize := 10
	groupID := []byte("treekem")

	run := func(suite CipherSuite) func(t *testing.T) {
		return func(t *testing.T) {
			pub := NewTreeKEMPublicKey(suite)
			members := make([]*treeKEMTestMember, groupSize)

			// Make a new one-person pub + priv
			members[0] = newTreeKEMTestMember(t, suite, "member-0")
			index := pub.AddLeaf(members[0].kpb.KeyPackage.LeafNode)
			require.Equal(t, LeafIndex(0), index)

			var err error
			members[0].priv, err = NewTreeKEMPrivateKeyForJoiner(suite, 0, pub.Size(), members[0].kpb.LeafPriv, 0, nil)
			require.Nil(t, err)
			require.True(t, members[0].priv.Consistent(*pub))

			// Each member adds the next
			for i := 0; i < groupSize-1; i++ {
				adder := LeafIndex(i)
				joiner := LeafIndex(i + 1)
				context := []byte{byte(i)}
				exclude := []LeafIndex{joiner}

				members[joiner] = newTreeKEMTestMember(t, suite, "member")
				index := pub.AddLeaf(members[joiner].kpb.KeyPackage.LeafNode)
				require.Equal(t, joiner, index)
				require.Nil(t, pub.validate())

				leafSecret := randomBytes(32)
				priv, path, err := pub.Encap(*members[adder].id, groupID, adder, leafSecret)
				require.Nil(t, err)
				require.True(t, path.LeafNode.Verify(suite, groupID, adder))

				require.Nil(t, pub.Merge(adder, *path))
				require.Nil(t, pub.EncryptPath(nil, priv, path, context, exclude))
				require.True(t, priv.Consistent(*pub))
				members[adder].priv = priv

				// Every other existing member decapsulates
				for j := LeafIndex(0); j < joiner; j++ {
					if j == adder {
						continue
					}

					next, err := members[j].priv.Decap(adder, *pub, context, *path, exclude)
					require.Nil(t, err)
					require.True(t, next.Consistent(*pub))
					members[j].priv = next
				}

				// The joiner learns the path secret at its common ancestor
				n, pathSecret, err := priv.SharedPathSecret(joiner)
				require.Nil(t, err)
				require.Equal(t, ancestor(adder, joiner), n)

				members[joiner].priv, err = NewTreeKEMPrivateKeyForJoiner(suite, joiner, pub.Size(), members[joiner].kpb.LeafPriv, n, pathSecret)
				require.Nil(t, err)
				require.True(t, members[joiner].priv.Consistent(*pub))

				commitSecret := priv.CommitSecret(pub.Size())
				for j := LeafIndex(0); j <= joiner; j++ {
					require.Equal(t, commitSecret, members[j].priv.CommitSecret(pub.Size()))
				}
			}

			require.Equal(t, groupSize, pub.MemberCount())
			require.Nil(t, pub.validate())
		}
	}

	for _, suite := range supportedSuites {
		t.Run(suite.String(), run(suite))
	}
}

func TestTreeKEMDecapErrors(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	groupID := []byte("treekem")
	context := []byte("context")

	pub := NewTreeKEMPublicKey(suite)
	members := make([]*treeKEMTestMember, 3)
	for i := range members {
		members[i] = newTreeKEMTestMember(t, suite, "member")
		index := pub.AddLeaf(members[i].kpb.KeyPackage.LeafNode)

		var err error
		members[i].priv, err = NewTreeKEMPrivateKeyForJoiner(suite, index, pub.Size(), members[i].kpb.LeafPriv, 0, nil)
		require.Nil(t, err)
	}

	priv, path, err := pub.Encap(*members[0].id, groupID, 0, randomBytes(32))
	require.Nil(t, err)
	require.Nil(t, pub.Merge(0, *path))
	require.Nil(t, pub.EncryptPath(nil, priv, path, context, nil))

	// Wrong context
	_, err = members[2].priv.Decap(0, *pub, []byte("other"), *path, nil)
	require.True(t, errors.Is(err, ErrMalformedPath))

	// Truncated path
	short := *path
	short.Nodes = short.Nodes[:1]
	_, err = members[2].priv.Decap(0, *pub, context, short, nil)
	require.True(t, errors.Is(err, ErrMalformedPath))

	// Public key that does not follow from the path secret
	tampered := *path
	tampered.Nodes = append([]UpdatePathNode{}, path.Nodes...)
	tampered.Nodes[1].EncryptionKey = members[1].kpb.InitPriv.PublicKey
	_, err = members[2].priv.Decap(0, *pub, context, tampered, nil)
	require.True(t, errors.Is(err, ErrPathMismatch))

	// An excluded member has nothing to decrypt
	_, err = members[2].priv.Decap(0, *pub, context, *path, []LeafIndex{2})
	require.True(t, errors.Is(err, ErrMalformedPath))

	// The receiver is unchanged by the failures
	require.True(t, members[2].priv.Consistent(*pub))
	next, err := members[2].priv.Decap(0, *pub, context, *path, nil)
	require.Nil(t, err)
	require.Equal(t, priv.CommitSecret(pub.Size()), next.CommitSecret(pub.Size()))
}

func TestTreeKEMMembership(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	pub := NewTreeKEMPublicKey(suite)

	members := make([]*treeKEMTestMember, 5)
	for i := range members {
		members[i] = newTreeKEMTestMember(t, suite, "member")
		require.Equal(t, LeafIndex(i), pub.AddLeaf(members[i].kpb.KeyPackage.LeafNode))
	}
	require.Equal(t, LeafCount(8), pub.Size())

	h1, err := pub.RootHash()
	require.Nil(t, err)

	// Removing a middle member leaves a hole that the next add fills
	pub.BlankPath(1)
	require.False(t, pub.IsMember(1))
	require.Equal(t, []LeafIndex{0, 2, 3, 4}, pub.Members())

	h2, err := pub.RootHash()
	require.Nil(t, err)
	require.NotEqual(t, h1, h2)

	extra := newTreeKEMTestMember(t, suite, "extra")
	require.Equal(t, LeafIndex(1), pub.AddLeaf(extra.kpb.KeyPackage.LeafNode))

	index, ok := pub.Find(extra.id.SignaturePriv.PublicKey)
	require.True(t, ok)
	require.Equal(t, LeafIndex(1), index)
	require.True(t, pub.hasEncryptionKey(extra.kpb.LeafPriv.PublicKey))

	// Removing the rightmost member lets the tree shrink
	pub.BlankPath(4)
	pub.Truncate()
	require.Equal(t, LeafCount(4), pub.Size())
	require.Nil(t, pub.validate())

	// Indices of remaining members never move
	leaf, ok := pub.LeafNode(3)
	require.True(t, ok)
	require.True(t, leaf.Equals(members[3].kpb.KeyPackage.LeafNode))

	for _, i := range pub.Members() {
		pub.BlankPath(i)
	}
	pub.Truncate()
	require.Equal(t, LeafCount(0), pub.Size())

	require.Error(t, pub.UpdateLeaf(0, extra.kpb.KeyPackage.LeafNode))
}

func TestTreeKEMPublicKeyMarshal(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	pub := NewTreeKEMPublicKey(suite)
	for i := 0; i < 3; i++ {
		m := newTreeKEMTestMember(t, suite, "member")
		pub.AddLeaf(m.kpb.KeyPackage.LeafNode)
	}

	data, err := syntax.Marshal(pub)
	require.Nil(t, err)

	decoded := NewTreeKEMPublicKey(suite)
	_, err = syntax.Unmarshal(data, decoded)
	require.Nil(t, err)
	decoded.Suite = suite
	require.True(t, pub.Equals(*decoded))
	require.Nil(t, decoded.validate())

	h1, err := pub.RootHash()
	require.Nil(t, err)
	h2, err := decoded.RootHash()
	require.Nil(t, err)
	require.Equal(t, h1, h2)

	cloned := pub.Clone()
	require.True(t, pub.Equals(cloned))
	cloned.BlankPath(2)
	require.False(t, pub.Equals(cloned))
}

func TestTreeKEMPrivateKeyLifecycle(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	pub := NewTreeKEMPublicKey(suite)
	alice := newTreeKEMTestMember(t, suite, "alice")
	bob := newTreeKEMTestMember(t, suite, "bob")
	pub.AddLeaf(alice.kpb.KeyPackage.LeafNode)
	pub.AddLeaf(bob.kpb.KeyPackage.LeafNode)

	priv, path, err := pub.Encap(*alice.id, []byte("group"), 0, randomBytes(32))
	require.Nil(t, err)
	require.Nil(t, pub.Merge(0, *path))
	require.True(t, priv.Consistent(*pub))

	data, err := syntax.Marshal(priv)
	require.Nil(t, err)

	var decoded TreeKEMPrivateKey
	_, err = syntax.Unmarshal(data, &decoded)
	require.Nil(t, err)
	require.Equal(t, priv.PrivateKeys, decoded.PrivateKeys)
	require.Equal(t, priv.PathSecrets, decoded.PathSecrets)

	// Pruning drops keys for nodes that have been blanked
	pub.BlankPath(1)
	require.False(t, priv.Consistent(*pub))
	priv.Prune(*pub)
	require.True(t, priv.Consistent(*pub))
	_, ok := priv.PrivateKeys[root(pub.Size())]
	require.False(t, ok)

	cloned := priv.Clone()
	priv.Zeroize()
	require.Empty(t, priv.PrivateKeys)
	require.NotEmpty(t, cloned.PrivateKeys)
}
