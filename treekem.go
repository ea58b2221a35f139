package mls

import (
	"fmt"
	"io"
	"sort"

	"github.com/cisco/go-tls-syntax"
)

// struct {
//     HPKEPublicKey encryption_key;
//     HPKECiphertext encrypted_path_secret<V>;
// } UpdatePathNode;
type UpdatePathNode struct {
	EncryptionKey       HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// struct {
//     LeafNode leaf_node;
//     UpdatePathNode nodes<V>;
// } UpdatePath;
//
// One UpdatePathNode per entry of the committer's direct path, in order
// from the leaf's parent to the root.
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PathSecrets map[NodeIndex][]byte
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func newTreeKEMPrivateKey(suite CipherSuite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex][]byte{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

// NewTreeKEMPrivateKeyForJoiner builds the private state of a member who
// learns its leaf key from its key package and, optionally, one path secret
// from the Welcome.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, size LeafCount, leafPriv HPKEPrivateKey, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv.clone()

	if pathSecret == nil {
		return priv, nil
	}

	err := priv.setPathSecrets(intersect, size, pathSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

// NewTreeKEMPrivateKey derives a full path from a fresh leaf secret.
func NewTreeKEMPrivateKey(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	err := priv.setPathSecrets(toNodeIndex(index), size, leafSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.deriveSecret(pathSecret, "path")
}

func (priv TreeKEMPrivateKey) nodeKey(pathSecret []byte) (HPKEPrivateKey, error) {
	nodeSecret := priv.Suite.deriveSecret(pathSecret, "node")
	defer zeroize(nodeSecret)
	return priv.Suite.hpke().Derive(nodeSecret)
}

func (priv *TreeKEMPrivateKey) setPathSecrets(start NodeIndex, size LeafCount, secret []byte) error {
	r := root(size)
	pathSecret := dup(secret)
	n := start
	for {
		key, err := priv.nodeKey(pathSecret)
		if err != nil {
			return err
		}

		priv.setNode(n, pathSecret, key)
		if n == r {
			break
		}

		pathSecret = priv.pathStep(pathSecret)
		n = parent(n, size)
	}

	return nil
}

func (priv *TreeKEMPrivateKey) setNode(n NodeIndex, pathSecret []byte, key HPKEPrivateKey) {
	if old, ok := priv.PathSecrets[n]; ok {
		zeroize(old)
	}
	if old, ok := priv.PrivateKeys[n]; ok {
		zeroize(old.Data)
	}

	priv.PathSecrets[n] = pathSecret
	priv.PrivateKeys[n] = key
}

// SharedPathSecret returns the path secret at the lowest common ancestor
// of this member and another leaf.
func (priv TreeKEMPrivateKey) SharedPathSecret(to LeafIndex) (NodeIndex, []byte, error) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, fmt.Errorf("mls.treekem: path secret not found for node %d", n)
	}

	return n, secret, nil
}

// CommitSecret is derived from the root path secret; without a root path
// secret there was no path and the commit secret is all zero.
func (priv TreeKEMPrivateKey) CommitSecret(size LeafCount) []byte {
	rootSecret, ok := priv.PathSecrets[root(size)]
	if !ok {
		return priv.Suite.zero()
	}
	return priv.Suite.deriveSecret(rootSecret, "path")
}

// Decap decrypts the path secret the committer addressed to this member
// and derives every node key from there to the root.  pub must already have
// the path merged.  The receiver is left untouched on error.
func (priv TreeKEMPrivateKey) Decap(from LeafIndex, pub TreeKEMPublicKey, context []byte, path UpdatePath, exclude []LeafIndex) (*TreeKEMPrivateKey, error) {
	size := pub.Size()
	fromNode := toNodeIndex(from)
	dp := dirpath(fromNode, size)
	if len(dp) != len(path.Nodes) {
		return nil, commitErrorf(ErrMalformedPath, "path has %d nodes, direct path has %d", len(path.Nodes), len(dp))
	}

	// Locate the copath child through which this member sees the path
	overlap := ancestor(priv.Index, from)
	pathIndex := -1
	for i, n := range dp {
		if n == overlap {
			pathIndex = i
			break
		}
	}
	if pathIndex < 0 {
		return nil, commitErrorf(ErrMalformedPath, "no common ancestor with committer %d", from)
	}

	copathChild := fromNode
	if pathIndex > 0 {
		copathChild = dp[pathIndex-1]
	}
	copathChild = sibling(copathChild, size)

	res := pub.resolveExcluding(copathChild, exclude)
	cts := path.Nodes[pathIndex].EncryptedPathSecret
	if len(cts) != len(res) {
		return nil, commitErrorf(ErrMalformedPath, "node %d has %d ciphertexts for resolution of %d", overlap, len(cts), len(res))
	}

	var pathSecret []byte
	for i, n := range res {
		nodePriv, ok := priv.PrivateKeys[n]
		if !ok || !nodePriv.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			continue
		}

		pt, err := priv.Suite.hpke().Decrypt(nodePriv, context, cts[i])
		if err != nil {
			return nil, commitErrorf(ErrMalformedPath, "path secret decryption failed: %v", err)
		}
		pathSecret = pt
		break
	}

	if pathSecret == nil {
		return nil, commitErrorf(ErrMalformedPath, "no decryptable path secret for leaf %d", priv.Index)
	}
	defer zeroize(pathSecret)

	out := priv.Clone()
	err := out.setPathSecrets(overlap, size, pathSecret)
	if err != nil {
		out.Zeroize()
		return nil, err
	}

	// Every key derived from the decrypted secret must match what the
	// committer published
	for i := pathIndex; i < len(dp); i++ {
		if !out.PrivateKeys[dp[i]].PublicKey.Equals(path.Nodes[i].EncryptionKey) {
			out.Zeroize()
			return nil, commitErrorf(ErrPathMismatch, "node %d", dp[i])
		}
	}

	return out, nil
}

// Prune drops private state for nodes that are blank or whose public key
// no longer matches.
func (priv *TreeKEMPrivateKey) Prune(pub TreeKEMPublicKey) {
	for n, key := range priv.PrivateKeys {
		if int(n) < len(pub.Nodes) && !pub.Nodes[n].Blank() && key.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			continue
		}

		zeroize(key.Data)
		delete(priv.PrivateKeys, n)
		if ps, ok := priv.PathSecrets[n]; ok {
			zeroize(ps)
			delete(priv.PathSecrets, n)
		}
	}

	for n, ps := range priv.PathSecrets {
		if _, ok := priv.PrivateKeys[n]; !ok {
			zeroize(ps)
			delete(priv.PathSecrets, n)
		}
	}
}

func (priv TreeKEMPrivateKey) Consistent(pub TreeKEMPublicKey) bool {
	if priv.Suite != pub.Suite {
		return false
	}

	for n, nodePriv := range priv.PrivateKeys {
		if int(n) >= len(pub.Nodes) || pub.Nodes[n].Blank() {
			return false
		}

		if !nodePriv.PublicKey.Equals(pub.Nodes[n].Node.PublicKey()) {
			return false
		}
	}

	return true
}

func (priv TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	out := newTreeKEMPrivateKey(priv.Suite, priv.Index)
	for n, ps := range priv.PathSecrets {
		out.PathSecrets[n] = dup(ps)
	}
	for n, key := range priv.PrivateKeys {
		out.PrivateKeys[n] = key.clone()
	}
	return out
}

func (priv *TreeKEMPrivateKey) Zeroize() {
	for n, ps := range priv.PathSecrets {
		zeroize(ps)
		delete(priv.PathSecrets, n)
	}
	for n, key := range priv.PrivateKeys {
		zeroize(key.Data)
		delete(priv.PrivateKeys, n)
	}
}

// Persisted with node-ordered entry lists, since the map iteration order
// is random.
type treeKEMPrivateNode struct {
	Node       NodeIndex
	PathSecret []byte `tls:"head=1"`
	PrivateKey HPKEPrivateKey
}

type treeKEMPrivateKeyData struct {
	Suite CipherSuite
	Index LeafIndex
	Nodes []treeKEMPrivateNode `tls:"head=4"`
}

func (priv TreeKEMPrivateKey) MarshalTLS() ([]byte, error) {
	nodes := make([]NodeIndex, 0, len(priv.PrivateKeys))
	for n := range priv.PrivateKeys {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	data := treeKEMPrivateKeyData{
		Suite: priv.Suite,
		Index: priv.Index,
		Nodes: make([]treeKEMPrivateNode, len(nodes)),
	}
	for i, n := range nodes {
		data.Nodes[i] = treeKEMPrivateNode{
			Node:       n,
			PathSecret: priv.PathSecrets[n],
			PrivateKey: priv.PrivateKeys[n],
		}
	}

	return syntax.Marshal(data)
}

func (priv *TreeKEMPrivateKey) UnmarshalTLS(data []byte) (int, error) {
	var decoded treeKEMPrivateKeyData
	read, err := syntax.Unmarshal(data, &decoded)
	if err != nil {
		return 0, err
	}

	*priv = *newTreeKEMPrivateKey(decoded.Suite, decoded.Index)
	for _, entry := range decoded.Nodes {
		priv.PrivateKeys[entry.Node] = entry.PrivateKey
		if len(entry.PathSecret) > 0 {
			priv.PathSecrets[entry.Node] = entry.PathSecret
		}
	}

	return read, nil
}

////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////

// TreeKEMPublicKey is the public ratchet tree, stored as a flat array of
// nodes indexed by NodeIndex.  The number of leaf slots is always a power of
// two.
type TreeKEMPublicKey struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

func NewTreeKEMPublicKey(suite CipherSuite) *TreeKEMPublicKey {
	return &TreeKEMPublicKey{Suite: suite, Nodes: []OptionalNode{}}
}

func (pub TreeKEMPublicKey) Size() LeafCount {
	return leafWidth(NodeCount(len(pub.Nodes)))
}

func (pub *TreeKEMPublicKey) resize(size LeafCount) {
	w := int(nodeWidth(size))
	for len(pub.Nodes) < w {
		pub.Nodes = append(pub.Nodes, OptionalNode{})
	}
	pub.Nodes = pub.Nodes[:w]

	// Any cached hash may now cover a different subtree
	for i := range pub.Nodes {
		pub.Nodes[i].Hash = nil
	}
}

// AddLeaf places the leaf in the leftmost blank slot, doubling the tree if
// every slot is occupied, and marks it unmerged in each non-blank ancestor.
func (pub *TreeKEMPublicKey) AddLeaf(leaf LeafNode) LeafIndex {
	index := LeafIndex(0)
	size := pub.Size()
	for LeafCount(index) < size && !pub.Nodes[toNodeIndex(index)].Blank() {
		index++
	}

	if LeafCount(index) >= size {
		next := LeafCount(1)
		if size > 0 {
			next = 2 * size
		}
		pub.resize(next)
	}

	n := toNodeIndex(index)
	pub.Nodes[n] = newLeafNode(leaf)

	for _, v := range dirpath(n, pub.Size()) {
		if pub.Nodes[v].Blank() {
			continue
		}
		pub.Nodes[v].Node.Parent.AddUnmerged(index)
	}

	pub.clearHashPath(index)
	return index
}

// UpdateLeaf replaces a member's leaf and blanks its direct path.
func (pub *TreeKEMPublicKey) UpdateLeaf(index LeafIndex, leaf LeafNode) error {
	if !pub.IsMember(index) {
		return fmt.Errorf("mls.treekem: leaf %d is blank", index)
	}

	pub.BlankPath(index)
	pub.Nodes[toNodeIndex(index)] = newLeafNode(leaf)
	pub.clearHashPath(index)
	return nil
}

// BlankPath blanks a leaf and every node on its direct path.
func (pub *TreeKEMPublicKey) BlankPath(index LeafIndex) {
	if LeafCount(index) >= pub.Size() {
		return
	}

	ni := toNodeIndex(index)
	pub.Nodes[ni].SetToBlank()

	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].SetToBlank()
	}
	pub.clearHashPath(index)
}

// Truncate halves the tree while its right half holds no members.  Leaf
// indices of remaining members are unaffected.
func (pub *TreeKEMPublicKey) Truncate() {
	size := pub.Size()
	for size > 1 {
		half := size / 2
		for i := half; i < size; i++ {
			if !pub.Nodes[toNodeIndex(LeafIndex(i))].Blank() {
				return
			}
		}

		pub.resize(half)
		size = half
	}

	if size == 1 && pub.Nodes[0].Blank() {
		pub.resize(0)
	}
}

// Encap generates a fresh path from leafSecret for the committer at from.
// The returned path carries public keys and a signed leaf but no
// ciphertexts; those need the post-merge group context, see EncryptPath.
func (pub TreeKEMPublicKey) Encap(id Identity, groupID []byte, from LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, *UpdatePath, error) {
	if !pub.IsMember(from) {
		return nil, nil, fmt.Errorf("mls.treekem: committer leaf %d is blank", from)
	}

	priv, err := NewTreeKEMPrivateKey(pub.Suite, pub.Size(), from, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	// The leaf keeps its key pair; its path secret has no other use
	ni := toNodeIndex(from)
	leafKey := priv.PrivateKeys[ni].PublicKey
	zeroize(priv.PathSecrets[ni])
	delete(priv.PathSecrets, ni)
	if ni == root(pub.Size()) {
		// A one-member tree's root is its leaf
		priv.PathSecrets[ni] = dup(leafSecret)
	}

	leaf, err := id.newLeafNode(leafKey, LeafNodeSourceCommit, groupID, from)
	if err != nil {
		return nil, nil, err
	}

	dp := dirpath(ni, pub.Size())
	path := &UpdatePath{
		LeafNode: leaf,
		Nodes:    make([]UpdatePathNode, len(dp)),
	}
	for i, n := range dp {
		path.Nodes[i] = UpdatePathNode{
			EncryptionKey:       priv.PrivateKeys[n].PublicKey,
			EncryptedPathSecret: []HPKECiphertext{},
		}
	}

	return priv, path, nil
}

// EncryptPath fills in the path secret ciphertexts for every node in the
// resolution of each copath node, skipping leaves in exclude.
func (pub TreeKEMPublicKey) EncryptPath(rng io.Reader, priv *TreeKEMPrivateKey, path *UpdatePath, context []byte, exclude []LeafIndex) error {
	size := pub.Size()
	ni := toNodeIndex(priv.Index)
	dp := dirpath(ni, size)
	cp := copath(ni, size)
	if len(dp) != len(path.Nodes) || len(cp) != len(dp) {
		return fmt.Errorf("mls.treekem: path length mismatch")
	}

	h := pub.Suite.hpke()
	for i, n := range dp {
		pathSecret, ok := priv.PathSecrets[n]
		if !ok {
			return fmt.Errorf("mls.treekem: no path secret for node %d", n)
		}

		res := pub.resolveExcluding(cp[i], exclude)
		cts := make([]HPKECiphertext, len(res))
		for j, nr := range res {
			ct, err := h.Encrypt(randomOrDefault(rng), pub.Nodes[nr].Node.PublicKey(), context, pathSecret)
			if err != nil {
				return err
			}
			cts[j] = ct
		}
		path.Nodes[i].EncryptedPathSecret = cts
	}

	return nil
}

// Merge installs the committer's new leaf and path keys.  Unmerged lists on
// the direct path are cleared, since every leaf below now shares the keys.
func (pub *TreeKEMPublicKey) Merge(from LeafIndex, path UpdatePath) error {
	if !pub.IsMember(from) {
		return commitErrorf(ErrCommitterUnknown, "leaf %d", from)
	}

	ni := toNodeIndex(from)
	dp := dirpath(ni, pub.Size())
	if len(dp) != len(path.Nodes) {
		return commitErrorf(ErrMalformedPath, "path has %d nodes, direct path has %d", len(path.Nodes), len(dp))
	}

	pub.Nodes[ni] = newLeafNode(path.LeafNode)
	for i, n := range dp {
		pub.Nodes[n] = newParentNode(path.Nodes[i].EncryptionKey)
	}

	pub.clearHashPath(from)
	return nil
}

func (pub TreeKEMPublicKey) IsMember(index LeafIndex) bool {
	if LeafCount(index) >= pub.Size() {
		return false
	}
	return !pub.Nodes[toNodeIndex(index)].Blank()
}

func (pub TreeKEMPublicKey) LeafNode(index LeafIndex) (*LeafNode, bool) {
	if !pub.IsMember(index) {
		return nil, false
	}
	return pub.Nodes[toNodeIndex(index)].Node.Leaf, true
}

// Members returns the occupied leaf indices in ascending order.
func (pub TreeKEMPublicKey) Members() []LeafIndex {
	out := []LeafIndex{}
	for i := LeafIndex(0); LeafCount(i) < pub.Size(); i++ {
		if pub.IsMember(i) {
			out = append(out, i)
		}
	}
	return out
}

func (pub TreeKEMPublicKey) MemberCount() int {
	return len(pub.Members())
}

// Find locates a leaf by its signature key.
func (pub TreeKEMPublicKey) Find(key SignaturePublicKey) (LeafIndex, bool) {
	for _, i := range pub.Members() {
		if pub.Nodes[toNodeIndex(i)].Node.Leaf.SignatureKey.Equals(key) {
			return i, true
		}
	}
	return 0, false
}

// hasEncryptionKey reports whether any node uses key, which would make
// path encryption ambiguous.
func (pub TreeKEMPublicKey) hasEncryptionKey(key HPKEPublicKey) bool {
	for _, n := range pub.Nodes {
		if !n.Blank() && n.Node.PublicKey().Equals(key) {
			return true
		}
	}
	return false
}

func (pub TreeKEMPublicKey) Clone() TreeKEMPublicKey {
	next := TreeKEMPublicKey{
		Suite: pub.Suite,
		Nodes: make([]OptionalNode, len(pub.Nodes)),
	}

	for i, n := range pub.Nodes {
		next.Nodes[i] = n.Clone()
	}

	return next
}

func (pub TreeKEMPublicKey) Equals(o TreeKEMPublicKey) bool {
	if len(pub.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range pub.Nodes {
		lhs, rhs := pub.Nodes[i], o.Nodes[i]
		if lhs.Blank() != rhs.Blank() {
			return false
		}
		if !lhs.Blank() && !lhs.Node.Equals(*rhs.Node) {
			return false
		}
	}
	return true
}

func (pub TreeKEMPublicKey) resolve(index NodeIndex) []NodeIndex {
	// Resolution of non-blank is node + unmerged leaves
	if !pub.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range pub.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if level(index) == 0 {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := pub.resolve(left(index))
	r := pub.resolve(right(index, pub.Size()))
	l = append(l, r...)
	return l
}

func (pub TreeKEMPublicKey) resolveExcluding(index NodeIndex, exclude []LeafIndex) []NodeIndex {
	res := pub.resolve(index)
	if len(exclude) == 0 {
		return res
	}

	out := res[:0]
	for _, n := range res {
		skip := false
		for _, l := range exclude {
			if n == toNodeIndex(l) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, n)
		}
	}
	return out
}

func (pub *TreeKEMPublicKey) clearHashPath(index LeafIndex) {
	ni := toNodeIndex(index)
	if int(ni) >= len(pub.Nodes) {
		return
	}

	pub.Nodes[ni].Hash = nil
	for _, n := range dirpath(ni, pub.Size()) {
		pub.Nodes[n].Hash = nil
	}
}

// RootHash computes the tree hash, filling in any hashes invalidated since
// the last call.
func (pub *TreeKEMPublicKey) RootHash() ([]byte, error) {
	if len(pub.Nodes) == 0 {
		return pub.Suite.Digest([]byte{}), nil
	}

	r := root(pub.Size())
	if err := pub.setHash(r); err != nil {
		return nil, err
	}
	return dup(pub.Nodes[r].Hash), nil
}

func (pub *TreeKEMPublicKey) setHash(index NodeIndex) error {
	if pub.Nodes[index].Hash != nil {
		return nil
	}

	if level(index) == 0 {
		return pub.Nodes[index].setLeafNodeHash(pub.Suite, toLeafIndex(index))
	}

	li := left(index)
	if err := pub.setHash(li); err != nil {
		return err
	}

	ri := right(index, pub.Size())
	if err := pub.setHash(ri); err != nil {
		return err
	}

	return pub.Nodes[index].setParentNodeHash(pub.Suite, pub.Nodes[li].Hash, pub.Nodes[ri].Hash)
}

// Check that the tree is structurally sound: parents at odd positions,
// leaves at even ones, power-of-two width, unmerged leaves beneath their
// parent and occupied.
func (pub TreeKEMPublicKey) validate() error {
	size := pub.Size()
	if size != 0 && leafSlots(size) != size {
		return fmt.Errorf("mls.treekem: tree width %d is not a power of two", size)
	}

	if int(nodeWidth(size)) != len(pub.Nodes) {
		return fmt.Errorf("mls.treekem: malformed tree width %d", len(pub.Nodes))
	}

	for i, n := range pub.Nodes {
		if n.Blank() {
			continue
		}

		ni := NodeIndex(i)
		if level(ni) == 0 {
			if n.Node.Leaf == nil {
				return fmt.Errorf("mls.treekem: parent node at leaf position %d", i)
			}
			continue
		}

		if n.Node.Parent == nil {
			return fmt.Errorf("mls.treekem: leaf node at parent position %d", i)
		}

		for _, l := range n.Node.Parent.UnmergedLeaves {
			if !inSubtree(toNodeIndex(l), ni) || !pub.IsMember(l) {
				return fmt.Errorf("mls.treekem: bad unmerged leaf %d at node %d", l, i)
			}
		}
	}

	return nil
}
