package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"
	"sync"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x0001
)

func (v ProtocolVersion) ValidForTLS() error {
	return validateEnum(v, ProtocolVersionMLS10)
}

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

// Both supported suites use a 16-byte AEAD tag and Ed25519, which is what
// lets PrivateMessage carry fixed-width tag and signature fields.
const (
	aeadTagSize   = 16
	signatureSize = ed25519.SignatureSize
)

func (cs CipherSuite) supported() bool {
	_, ok := cipherConstants[cs]
	return ok
}

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	}
	return fmt.Sprintf("CipherSuite(0x%04x)", uint16(cs))
}

type CipherSuiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

var cipherConstants = map[CipherSuite]CipherSuiteConstants{
	X25519_AES128GCM_SHA256_Ed25519: {
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_AESGCM128,
	},
	X25519_CHACHA20POLY1305_SHA256_Ed25519: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
	},
}

func (cs CipherSuite) Constants() CipherSuiteConstants {
	c, ok := cipherConstants[cs]
	if !ok {
		panic(fmt.Sprintf("mls.crypto: unsupported cipher suite %v", cs))
	}
	return c
}

func (cs CipherSuite) Scheme() SignatureScheme {
	return Ed25519
}

func (cs CipherSuite) newDigest() hash.Hash {
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) mac(key, data []byte) []byte {
	h := cs.newHMAC(key)
	h.Write(data)
	return h.Sum(nil)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}

	return nil, fmt.Errorf("mls.crypto: unsupported cipher suite %v", cs)
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

///
/// KDF
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newDigest, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf expand failed %v", err))
	}
	return out
}

// struct {
//     uint16 length;
//     opaque label<7..255> = "MLS 1.0 " + Label;
//     opaque context<0..2^32-1>;
// } KDFLabel;
type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

const labelPrefix = "MLS 1.0 "

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	info, err := syntax.Marshal(kdfLabel{
		Length:  uint16(length),
		Label:   []byte(labelPrefix + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: kdf label marshal failure %v", err))
	}

	return cs.hkdfExpand(secret, info, length)
}

// maxExpandLength is the longest output expandWithLabel can produce.
func (cs CipherSuite) maxExpandLength() int {
	n := 255 * cs.newDigest().Size()
	if n > math.MaxUint16 {
		n = math.MaxUint16
	}
	return n
}

// maxLabelLength is the longest label expandWithLabel accepts.
const maxLabelLength = 255 - len(labelPrefix)

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

func (cs CipherSuite) deriveTreeSecret(secret []byte, label string, generation uint32, length int) []byte {
	var ctx [4]byte
	binary.BigEndian.PutUint32(ctx[:], generation)
	return cs.expandWithLabel(secret, label, ctx[:], length)
}

// refHash is used for KeyPackage and Proposal references.
func (cs CipherSuite) refHash(label string, value []byte) []byte {
	input, err := syntax.Marshal(struct {
		Label []byte `tls:"head=1"`
		Value []byte `tls:"head=4"`
	}{[]byte(labelPrefix + label), value})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: ref hash marshal failure %v", err))
	}
	return cs.Digest(input)
}

///
/// HPKE
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

func (k HPKEPrivateKey) clone() HPKEPrivateKey {
	return HPKEPrivateKey{
		Data:      dup(k.Data),
		PublicKey: HPKEPublicKey{dup(k.PublicKey.Data)},
	}
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: unable to assemble HPKE suite %v", err))
	}

	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate(rand io.Reader) (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.Constants().SecretSize)
	if _, err := io.ReadFull(rand, ikm); err != nil {
		return HPKEPrivateKey{}, err
	}
	defer zeroize(ikm)

	return h.Derive(ikm)
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	digest := h.BaseSuite.Digest(seed)
	sk, pk, err := h.Suite.KEM.DeriveKeyPair(digest)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivate(sk),
		PublicKey: HPKEPublicKey{h.Suite.KEM.Serialize(pk)},
	}, nil
}

func (h hpkeInstance) Encrypt(rand io.Reader, pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, Ed25519)
}

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) Generate(rand io.Reader) (SignaturePrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return SignaturePrivateKey{}, err
	}

	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{Data: pub},
	}, nil
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	d := sha256.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(d[:])
	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{Data: priv.Public().(ed25519.PublicKey)},
	}, nil
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv.Data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mls.crypto: malformed Ed25519 private key")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	if len(pub.Data) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)
}

// struct {
//     opaque label<9..255> = "MLS 1.0 " + Label;
//     opaque content<0..2^32-1> = Content;
// } SignContent;
type signContent struct {
	Label   []byte `tls:"head=1"`
	Content []byte `tls:"head=4"`
}

func signContentBytes(label string, content []byte) []byte {
	data, err := syntax.Marshal(signContent{[]byte(labelPrefix + label), content})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: sign content marshal failure %v", err))
	}
	return data
}

func (ss SignatureScheme) SignWithLabel(priv *SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	return ss.Sign(priv, signContentBytes(label, content))
}

func (ss SignatureScheme) VerifyWithLabel(pub *SignaturePublicKey, label string, content, signature []byte) bool {
	return ss.Verify(pub, signContentBytes(label, content), signature)
}

///
/// Random source
///

type seededRandom struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewSeededRandom returns a deterministic random source keyed by a 32-byte
// seed.  Output is a ChaCha20 keystream, so it is only as unpredictable as
// the seed itself.
func NewSeededRandom(seed []byte) (io.Reader, error) {
	if len(seed) != chacha20.KeySize {
		return nil, fmt.Errorf("mls.crypto: seed must be exactly %d bytes", chacha20.KeySize)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(seed, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, err
	}
	return &seededRandom{stream: stream}, nil
}

func (r *seededRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range p {
		p[i] = 0
	}
	r.stream.XORKeyStream(p, p)
	return len(p), nil
}

func randomOrDefault(rng io.Reader) io.Reader {
	if rng == nil {
		return rand.Reader
	}
	return rng
}

func randomBytesFrom(rng io.Reader, size int) ([]byte, error) {
	rng = randomOrDefault(rng)
	out := make([]byte, size)
	if _, err := io.ReadFull(rng, out); err != nil {
		return nil, fmt.Errorf("mls.crypto: random source failure: %w", err)
	}
	return out, nil
}
