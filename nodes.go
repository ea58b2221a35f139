package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

func (s LeafNodeSource) ValidForTLS() error {
	return validateEnum(s, LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit)
}

// struct {
//     HPKEPublicKey encryption_key;
//     SignaturePublicKey signature_key;
//     Credential credential;
//     Capabilities capabilities;
//     LeafNodeSource leaf_node_source;
//     Extension extensions<V>;
//     /* SignWithLabel(., "LeafNodeTBS", LeafNodeTBS) */
//     opaque signature<V>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

type leafNodeContent struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Extensions    ExtensionList
}

// Leaves created by an Update or a Commit are bound to the group and the
// position they occupy, so they cannot be replayed into another tree.
type leafNodeBinding struct {
	GroupID   []byte `tls:"head=1"`
	LeafIndex LeafIndex
}

func (ln LeafNode) toBeSigned(groupID []byte, index LeafIndex) ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(leafNodeContent{
		EncryptionKey: ln.EncryptionKey,
		SignatureKey:  ln.SignatureKey,
		Credential:    ln.Credential,
		Capabilities:  ln.Capabilities,
		Source:        ln.Source,
		Extensions:    ln.Extensions,
	})
	if err != nil {
		return nil, err
	}

	if ln.Source != LeafNodeSourceKeyPackage {
		err = s.Write(leafNodeBinding{GroupID: groupID, LeafIndex: index})
		if err != nil {
			return nil, err
		}
	}

	return s.Data(), nil
}

func (ln *LeafNode) Sign(suite CipherSuite, priv SignaturePrivateKey, groupID []byte, index LeafIndex) error {
	if !priv.PublicKey.Equals(ln.SignatureKey) {
		return fmt.Errorf("mls.leaf: signing key does not match leaf signature key")
	}

	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return err
	}

	ln.Signature, err = suite.Scheme().SignWithLabel(&priv, "LeafNodeTBS", tbs)
	return err
}

func (ln LeafNode) Verify(suite CipherSuite, groupID []byte, index LeafIndex) bool {
	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return false
	}

	return suite.Scheme().VerifyWithLabel(&ln.SignatureKey, "LeafNodeTBS", tbs, ln.Signature)
}

func (ln LeafNode) Equals(o LeafNode) bool {
	lhs, err := syntax.Marshal(ln)
	if err != nil {
		return false
	}

	rhs, err := syntax.Marshal(o)
	if err != nil {
		return false
	}

	return bytes.Equal(lhs, rhs)
}

func (ln LeafNode) Clone() LeafNode {
	return LeafNode{
		EncryptionKey: HPKEPublicKey{dup(ln.EncryptionKey.Data)},
		SignatureKey:  SignaturePublicKey{dup(ln.SignatureKey.Data)},
		Credential:    ln.Credential.clone(),
		Capabilities:  ln.Capabilities,
		Source:        ln.Source,
		Extensions:    ln.Extensions.clone(),
		Signature:     dup(ln.Signature),
	}
}

// struct {
//     HPKEPublicKey encryption_key;
//     uint32 unmerged_leaves<V>;
// } ParentNode;
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n *ParentNode) AddUnmerged(l LeafIndex) {
	for _, u := range n.UnmergedLeaves {
		if u == l {
			return
		}
	}
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

func (n ParentNode) Clone() ParentNode {
	next := ParentNode{
		PublicKey:      HPKEPublicKey{dup(n.PublicKey.Data)},
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(next.UnmergedLeaves, n.UnmergedLeaves)
	return next
}

func (n ParentNode) Equals(o ParentNode) bool {
	if !n.PublicKey.Equals(o.PublicKey) || len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}

	for i, l := range n.UnmergedLeaves {
		if l != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

///
/// Node
///

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x01
	NodeTypeParent NodeType = 0x02
)

func (t NodeType) ValidForTLS() error {
	return validateEnum(t, NodeTypeLeaf, NodeTypeParent)
}

// struct {
//     NodeType node_type;
//     select (Node.node_type) {
//         case leaf:   LeafNode leaf_node;
//         case parent: ParentNode parent_node;
//     };
// } Node;
type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	switch {
	case n.Leaf != nil:
		return NodeTypeLeaf
	case n.Parent != nil:
		return NodeTypeParent
	default:
		panic("mls.node: malformed node")
	}
}

func (n Node) Equals(o Node) bool {
	switch {
	case n.Leaf != nil && o.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)
	case n.Parent != nil && o.Parent != nil:
		return n.Parent.Equals(*o.Parent)
	}
	return false
}

func (n Node) Clone() Node {
	switch n.Type() {
	case NodeTypeLeaf:
		leaf := n.Leaf.Clone()
		return Node{Leaf: &leaf}
	default:
		parent := n.Parent.Clone()
		return Node{Parent: &parent}
	}
}

func (n Node) PublicKey() HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.EncryptionKey
	default:
		return n.Parent.PublicKey
	}
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	nodeType := n.Type()
	err := s.Write(nodeType)
	if err != nil {
		return nil, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		err = s.Write(n.Parent)
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType NodeType
	_, err := s.Read(&nodeType)
	if err != nil {
		return 0, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		err = fmt.Errorf("mls.node: invalid node type %d", nodeType)
	}

	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// OptionalNode
///

type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func newLeafNode(leaf LeafNode) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &leaf}}
}

func newParentNode(pub HPKEPublicKey) OptionalNode {
	parentNode := &ParentNode{
		PublicKey:      pub,
		UnmergedLeaves: []LeafIndex{},
	}
	return OptionalNode{Node: &Node{Parent: parentNode}}
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
	n.Hash = nil
}

func (n OptionalNode) Clone() OptionalNode {
	next := OptionalNode{Hash: dup(n.Hash)}
	if n.Node != nil {
		node := n.Node.Clone()
		next.Node = &node
	}
	return next
}

// struct {
//     uint32 leaf_index;
//     optional<LeafNode> leaf_node;
// } LeafNodeHashInput;
type leafNodeHashInput struct {
	NodeType  NodeType
	LeafIndex LeafIndex
	LeafNode  *LeafNode `tls:"optional"`
}

// struct {
//     optional<ParentNode> parent_node;
//     opaque left_hash<V>;
//     opaque right_hash<V>;
// } ParentNodeHashInput;
type parentNodeHashInput struct {
	NodeType   NodeType
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

func (n *OptionalNode) setLeafNodeHash(suite CipherSuite, index LeafIndex) error {
	input := leafNodeHashInput{
		NodeType:  NodeTypeLeaf,
		LeafIndex: index,
	}

	if n.Node != nil {
		if n.Node.Leaf == nil {
			return fmt.Errorf("mls.node: parent node at leaf position %d", index)
		}
		input.LeafNode = n.Node.Leaf
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		return err
	}

	n.Hash = suite.Digest(data)
	return nil
}

func (n *OptionalNode) setParentNodeHash(suite CipherSuite, lh, rh []byte) error {
	input := parentNodeHashInput{
		NodeType:  NodeTypeParent,
		LeftHash:  lh,
		RightHash: rh,
	}

	if n.Node != nil {
		if n.Node.Parent == nil {
			return fmt.Errorf("mls.node: leaf node at parent position")
		}
		input.ParentNode = n.Node.Parent
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		return err
	}

	n.Hash = suite.Digest(data)
	return nil
}
