package mls

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 0x0001
	CredentialTypeX509  CredentialType = 0x0002
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic, CredentialTypeX509)
}

// struct {
//     opaque identity<0..2^16-1>;
// } BasicCredential;
type BasicCredential struct {
	Identity []byte `tls:"head=2"`
}

// case x509:
//     opaque cert_data<1..2^24-1>;
type X509Credential struct {
	Chain []*x509.Certificate
}

// The leaf certificate must carry an Ed25519 key, since that is the only
// signature scheme any supported cipher suite uses.
func (cred X509Credential) PublicKey() (SignaturePublicKey, error) {
	if len(cred.Chain) == 0 {
		return SignaturePublicKey{}, fmt.Errorf("mls.credential: empty certificate chain")
	}

	pub, ok := cred.Chain[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return SignaturePublicKey{}, fmt.Errorf("mls.credential: unsupported public key type in certificate")
	}
	return SignaturePublicKey{Data: dup(pub)}, nil
}

type certChainData struct {
	Data []byte `tls:"head=3"`
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if other == nil || len(cred.Chain) != len(other.Chain) {
		return false
	}

	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}

	return true
}

func (cred X509Credential) MarshalTLS() ([]byte, error) {
	allCerts := []byte{}
	for _, cert := range cred.Chain {
		allCerts = append(allCerts, cert.Raw...)
	}

	return syntax.Marshal(certChainData{allCerts})
}

func (cred *X509Credential) UnmarshalTLS(data []byte) (int, error) {
	allCerts := new(certChainData)
	read, err := syntax.Unmarshal(data, allCerts)
	if err != nil {
		return 0, err
	}

	cred.Chain, err = x509.ParseCertificates(allCerts.Data)
	if err != nil {
		return 0, err
	}

	if len(cred.Chain) == 0 {
		return 0, fmt.Errorf("mls.credential: empty certificate chain")
	}

	return read, nil
}

// This is essentially a copy of what is in crypto/x509, but with things exposed
// that are hidden in that module.
type certPool struct {
	byKeyID map[string]*x509.Certificate
	byName  map[string]*x509.Certificate
}

func newCertPool(trusted []*x509.Certificate) *certPool {
	pool := &certPool{
		byKeyID: map[string]*x509.Certificate{},
		byName:  map[string]*x509.Certificate{},
	}

	for _, cert := range trusted {
		ski := string(cert.SubjectKeyId)
		name := string(cert.RawSubject)

		pool.byName[name] = cert
		if len(ski) > 0 {
			pool.byKeyID[ski] = cert
		}
	}

	return pool
}

func (pool certPool) parent(cert *x509.Certificate) (*x509.Certificate, bool) {
	aki := string(cert.AuthorityKeyId)
	name := string(cert.RawIssuer)

	if parent, ok := pool.byKeyID[aki]; len(aki) > 0 && ok {
		return parent, true
	}

	if parent, ok := pool.byName[name]; ok {
		return parent, true
	}

	return nil, false
}

// Only signatures and the hop-by-hop policy in CheckSignatureFrom are
// checked.  x509.Certificate.Verify is not used because it wants a DNS name
// as the anchor and builds its own chain without strict ordering.
func (cred X509Credential) verifyChain(pool *certPool) error {
	var curr, next *x509.Certificate
	for i := 0; i < len(cred.Chain)-1; i++ {
		curr = cred.Chain[i]
		next = cred.Chain[i+1]

		// If there is a valid signature from a trusted certificate, the chain is valid
		parent, ok := pool.parent(curr)
		if ok && curr.CheckSignatureFrom(parent) == nil {
			return nil
		}

		// Otherwise the cert must be signed by the next cert in the chain
		if err := curr.CheckSignatureFrom(next); err != nil {
			return err
		}
	}

	last := cred.Chain[len(cred.Chain)-1]
	parent, ok := pool.parent(last)
	if !ok {
		return fmt.Errorf("mls.credential: no candidate trust anchor found")
	}

	return last.CheckSignatureFrom(parent)
}

// struct {
//     CredentialType credential_type;
//     select (Credential.credential_type) {
//         case basic:
//             BasicCredential;
//         case x509:
//             opaque cert_data<1..2^24-1>;
//     };
// } Credential;
type Credential struct {
	X509  *X509Credential
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte) *Credential {
	return &Credential{Basic: &BasicCredential{Identity: dup(identity)}}
}

func NewX509Credential(chain []*x509.Certificate) (*Credential, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("mls.credential: at least one certificate is required")
	}

	return &Credential{X509: &X509Credential{Chain: chain}}, nil
}

func (c Credential) Equals(o Credential) bool {
	if c.Type() != o.Type() {
		return false
	}

	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Equals(o.X509)
	case CredentialTypeBasic:
		return bytes.Equal(c.Basic.Identity, o.Basic.Identity)
	}
	return false
}

// Type returns zero for an empty credential, which never validates.
func (c Credential) Type() CredentialType {
	switch {
	case c.X509 != nil:
		return CredentialTypeX509
	case c.Basic != nil:
		return CredentialTypeBasic
	}
	return 0
}

func (c Credential) Identity() []byte {
	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Chain[0].RawSubject
	case CredentialTypeBasic:
		return c.Basic.Identity
	}
	return nil
}

func (c Credential) clone() Credential {
	switch c.Type() {
	case CredentialTypeX509:
		chain := make([]*x509.Certificate, len(c.X509.Chain))
		copy(chain, c.X509.Chain)
		return Credential{X509: &X509Credential{Chain: chain}}
	case CredentialTypeBasic:
		return Credential{Basic: &BasicCredential{Identity: dup(c.Basic.Identity)}}
	}
	return Credential{}
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeX509:
		err = s.Write(c.X509)
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: credential type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeX509:
		c.X509 = new(X509Credential)
		_, err = s.Read(c.X509)
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: credential type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Verification
///

// CredentialVerifier decides whether a credential may be bound to a
// signature key.  It is consulted for every leaf that enters the tree and
// for every leaf update.
type CredentialVerifier interface {
	Verify(cred Credential, key SignaturePublicKey) error
}

// BasicCredentialVerifier accepts any well-formed basic credential.  It is
// the default and leaves identity binding to the application.
type BasicCredentialVerifier struct{}

func (BasicCredentialVerifier) Verify(cred Credential, key SignaturePublicKey) error {
	switch cred.Type() {
	case CredentialTypeBasic:
		if len(cred.Basic.Identity) == 0 {
			return fmt.Errorf("mls.credential: empty identity")
		}
		return nil
	case CredentialTypeX509:
		return fmt.Errorf("mls.credential: x509 credential requires a trust anchor")
	}
	return fmt.Errorf("mls.credential: malformed credential")
}

// X509CredentialVerifier requires an X.509 chain ending in one of the
// trusted roots, with the leaf certificate holding the signature key.
type X509CredentialVerifier struct {
	pool *certPool
}

func NewX509CredentialVerifier(trusted []*x509.Certificate) *X509CredentialVerifier {
	return &X509CredentialVerifier{pool: newCertPool(trusted)}
}

func (v *X509CredentialVerifier) Verify(cred Credential, key SignaturePublicKey) error {
	if cred.Type() != CredentialTypeX509 {
		return fmt.Errorf("mls.credential: expected x509 credential, got %d", cred.Type())
	}

	pub, err := cred.X509.PublicKey()
	if err != nil {
		return err
	}

	if !pub.Equals(key) {
		return fmt.Errorf("mls.credential: certificate key does not match leaf signature key")
	}

	return cred.X509.verifyChain(v.pool)
}
