package mls

import (
	"fmt"
	"io"

	"github.com/cisco/go-tls-syntax"
)

type KeyPackageRef []byte

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     LeafNode leaf_node;
//     Extension extensions<V>;
//     /* SignWithLabel(., "KeyPackageTBS", KeyPackageTBS) */
//     opaque signature<V>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = kp.CipherSuite.Scheme().SignWithLabel(&priv, "KeyPackageTBS", tbs)
	return err
}

// Verify checks the key package's own signature and the signature of the
// leaf it carries.  It does not consult a credential verifier.
func (kp KeyPackage) Verify() error {
	if kp.Version != ProtocolVersionMLS10 {
		return fmt.Errorf("mls.key-package: unsupported version %d", kp.Version)
	}

	if !kp.CipherSuite.supported() {
		return fmt.Errorf("mls.key-package: unsupported cipher suite %v", kp.CipherSuite)
	}

	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return fmt.Errorf("mls.key-package: leaf node source is %d", kp.LeafNode.Source)
	}

	if kp.InitKey.Equals(kp.LeafNode.EncryptionKey) {
		return fmt.Errorf("mls.key-package: init key reused as encryption key")
	}

	if !kp.LeafNode.Capabilities.supportsSuite(kp.CipherSuite) {
		return fmt.Errorf("mls.key-package: leaf does not advertise its own cipher suite")
	}

	if !kp.LeafNode.Verify(kp.CipherSuite, nil, 0) {
		return fmt.Errorf("mls.key-package: invalid leaf node signature")
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	if !kp.CipherSuite.Scheme().VerifyWithLabel(&kp.LeafNode.SignatureKey, "KeyPackageTBS", tbs, kp.Signature) {
		return fmt.Errorf("mls.key-package: invalid signature")
	}

	return nil
}

func (kp KeyPackage) Ref() (KeyPackageRef, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}

	return kp.CipherSuite.refHash("KeyPackage Reference", data), nil
}

// KeyPackageBundle is a key package together with the private keys needed
// to join with it.  It never leaves the client that generated it.
type KeyPackageBundle struct {
	KeyPackage KeyPackage
	InitPriv   HPKEPrivateKey
	LeafPriv   HPKEPrivateKey
}

func (b *KeyPackageBundle) zeroize() {
	zeroize(b.InitPriv.Data)
	zeroize(b.LeafPriv.Data)
}

///
/// Identity
///

// Identity is a long-lived signing identity.  One identity can mint any
// number of key packages and join any number of groups.
type Identity struct {
	CipherSuite   CipherSuite
	Credential    Credential
	SignaturePriv SignaturePrivateKey
	Capabilities  Capabilities
}

// NewIdentity generates a fresh signature key for a basic credential.
func NewIdentity(suite CipherSuite, name []byte, rng io.Reader) (*Identity, error) {
	if !suite.supported() {
		return nil, fmt.Errorf("mls.identity: unsupported cipher suite %v", suite)
	}

	seed, err := randomBytesFrom(rng, suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}
	defer zeroize(seed)

	sigPriv, err := suite.Scheme().Derive(seed)
	if err != nil {
		return nil, err
	}

	return &Identity{
		CipherSuite:   suite,
		Credential:    *NewBasicCredential(name),
		SignaturePriv: sigPriv,
		Capabilities:  DefaultCapabilities(),
	}, nil
}

// NewIdentityWithKey wraps an existing credential and its signature key,
// for example an X.509 chain issued for an Ed25519 key.
func NewIdentityWithKey(suite CipherSuite, cred Credential, priv SignaturePrivateKey) (*Identity, error) {
	if !suite.supported() {
		return nil, fmt.Errorf("mls.identity: unsupported cipher suite %v", suite)
	}

	if cred.Type() == CredentialTypeX509 {
		pub, err := cred.X509.PublicKey()
		if err != nil {
			return nil, err
		}
		if !pub.Equals(priv.PublicKey) {
			return nil, fmt.Errorf("mls.identity: certificate does not match signature key")
		}
	}

	return &Identity{
		CipherSuite:   suite,
		Credential:    cred,
		SignaturePriv: priv,
		Capabilities:  DefaultCapabilities(),
	}, nil
}

func (id Identity) newLeafNode(encKey HPKEPublicKey, source LeafNodeSource, groupID []byte, index LeafIndex) (LeafNode, error) {
	leaf := LeafNode{
		EncryptionKey: encKey,
		SignatureKey:  id.SignaturePriv.PublicKey,
		Credential:    id.Credential,
		Capabilities:  id.Capabilities,
		Source:        source,
		Extensions:    NewExtensionList(),
	}

	err := leaf.Sign(id.CipherSuite, id.SignaturePriv, groupID, index)
	if err != nil {
		return LeafNode{}, err
	}
	return leaf, nil
}

func (id Identity) NewKeyPackage(rng io.Reader) (*KeyPackageBundle, error) {
	h := id.CipherSuite.hpke()
	initPriv, err := h.Generate(randomOrDefault(rng))
	if err != nil {
		return nil, err
	}

	leafPriv, err := h.Generate(randomOrDefault(rng))
	if err != nil {
		return nil, err
	}

	leaf, err := id.newLeafNode(leafPriv.PublicKey, LeafNodeSourceKeyPackage, nil, 0)
	if err != nil {
		return nil, err
	}

	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: id.CipherSuite,
		InitKey:     initPriv.PublicKey,
		LeafNode:    leaf,
		Extensions:  NewExtensionList(),
	}

	err = kp.Sign(id.SignaturePriv)
	if err != nil {
		return nil, err
	}

	return &KeyPackageBundle{
		KeyPackage: kp,
		InitPriv:   initPriv,
		LeafPriv:   leafPriv,
	}, nil
}
