package mls

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cisco/go-tls-syntax"
)

// struct {
//     GroupContext group_context;
//     Extension extensions<V>;
//     MAC confirmation_tag;
//     uint32 signer;
//     /* SignWithLabel(., "GroupInfoTBS", GroupInfoTBS) */
//     opaque signature<V>;
// } GroupInfo;
//
// The ratchet tree travels inside the GroupInfo rather than as an
// extension.
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Tree            TreeKEMPublicKey
	Signer          LeafIndex
	Signature       []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Tree            TreeKEMPublicKey
	Signer          LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupContext:    gi.GroupContext,
		Extensions:      gi.Extensions,
		ConfirmationTag: gi.ConfirmationTag,
		Tree:            gi.Tree,
		Signer:          gi.Signer,
	})
}

func (gi *GroupInfo) sign(priv SignaturePrivateKey) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	gi.Signature, err = gi.GroupContext.CipherSuite.Scheme().SignWithLabel(&priv, "GroupInfoTBS", tbs)
	return err
}

func (gi GroupInfo) verify() error {
	suite := gi.GroupContext.CipherSuite
	signer, ok := gi.Tree.LeafNode(gi.Signer)
	if !ok {
		return fmt.Errorf("mls.welcome: signer %d not in tree", gi.Signer)
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	if !suite.Scheme().VerifyWithLabel(&signer.SignatureKey, "GroupInfoTBS", tbs, gi.Signature) {
		return fmt.Errorf("mls.welcome: invalid group info signature")
	}
	return nil
}

type pathSecretData struct {
	Data []byte `tls:"head=1"`
}

// struct {
//     opaque joiner_secret<V>;
//     optional<PathSecret> path_secret;
//     PreSharedKeyID psks<V>;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte           `tls:"head=1"`
	PathSecret   *pathSecretData  `tls:"optional"`
	PSKs         []PreSharedKeyID `tls:"head=4"`
}

// struct {
//     KeyPackageRef new_member;
//     HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	NewMember             []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//     CipherSuite cipher_suite;
//     EncryptedGroupSecrets secrets<V>;
//     opaque encrypted_group_info<V>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

func newWelcome(suite CipherSuite, joinerSecret, pskSecret []byte, groupInfo GroupInfo) (*Welcome, error) {
	kn := welcomeKeyAndNonce(suite, joinerSecret, pskSecret)
	defer kn.zeroize()

	pt, err := syntax.Marshal(groupInfo)
	if err != nil {
		return nil, err
	}

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, pt, []byte{}),
	}, nil
}

func (w *Welcome) encryptTo(h hpkeInstance, rng io.Reader, kp KeyPackage, secrets GroupSecrets) error {
	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	pt, err := syntax.Marshal(secrets)
	if err != nil {
		return err
	}
	defer zeroize(pt)

	ct, err := h.Encrypt(randomOrDefault(rng), kp.InitKey, []byte{}, pt)
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		NewMember:             ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// find returns the bundle addressed by this Welcome, if any.
func (w Welcome) find(bundles []KeyPackageBundle) (int, *KeyPackageBundle, error) {
	for i := range bundles {
		ref, err := bundles[i].KeyPackage.Ref()
		if err != nil {
			return 0, nil, err
		}

		for j, egs := range w.Secrets {
			if bytes.Equal(egs.NewMember, ref) {
				return j, &bundles[i], nil
			}
		}
	}
	return 0, nil, ErrNoKeyPackage
}

func (w Welcome) decryptSecrets(index int, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, w.Secrets[index].EncryptedGroupSecrets)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: unable to decrypt group secrets: %w", err)
	}

	secrets := new(GroupSecrets)
	read, err := syntax.Unmarshal(pt, secrets)
	if err != nil {
		return nil, err
	}
	if read != len(pt) {
		return nil, fmt.Errorf("mls.welcome: trailing data in group secrets")
	}
	return secrets, nil
}

func (w Welcome) decryptGroupInfo(joinerSecret, pskSecret []byte) (*GroupInfo, error) {
	kn := welcomeKeyAndNonce(w.CipherSuite, joinerSecret, pskSecret)
	defer kn.zeroize()

	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: unable to decrypt group info: %w", err)
	}

	gi := new(GroupInfo)
	read, err := syntax.Unmarshal(pt, gi)
	if err != nil {
		return nil, err
	}
	if read != len(pt) {
		return nil, fmt.Errorf("mls.welcome: trailing data in group info")
	}

	gi.Tree.Suite = gi.GroupContext.CipherSuite
	return gi, nil
}
