package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeApplicationID        ExtensionType = 0x0001
	ExtensionTypeRequiredCapabilities ExtensionType = 0x0003
)

// Extension types this implementation understands; anything else is carried
// opaquely.
var defaultExtensionTypes = []ExtensionType{
	ExtensionTypeApplicationID,
	ExtensionTypeRequiredCapabilities,
}

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=4"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=4"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{[]Extension{}}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

// Duplicate types are not allowed within one list.
func (el ExtensionList) validate() error {
	seen := map[ExtensionType]bool{}
	for _, ext := range el.Entries {
		if seen[ext.ExtensionType] {
			return fmt.Errorf("mls.extensions: duplicate extension type 0x%04x", uint16(ext.ExtensionType))
		}
		seen[ext.ExtensionType] = true
	}
	return nil
}

func (el ExtensionList) Equals(o ExtensionList) bool {
	if len(el.Entries) != len(o.Entries) {
		return false
	}

	for i, ext := range el.Entries {
		if ext.ExtensionType != o.Entries[i].ExtensionType ||
			!bytes.Equal(ext.ExtensionData, o.Entries[i].ExtensionData) {
			return false
		}
	}
	return true
}

func (el ExtensionList) clone() ExtensionList {
	out := ExtensionList{make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{ext.ExtensionType, dup(ext.ExtensionData)}
	}
	return out
}

//////////

type ApplicationIDExtension struct {
	ApplicationID []byte `tls:"head=4"`
}

func (aid ApplicationIDExtension) Type() ExtensionType {
	return ExtensionTypeApplicationID
}

// RequiredCapabilitiesExtension lives in the GroupContext and lists what
// every member's leaf must advertise.
type RequiredCapabilitiesExtension struct {
	Extensions  []ExtensionType  `tls:"head=1"`
	Proposals   []ProposalType   `tls:"head=1"`
	Credentials []CredentialType `tls:"head=1"`
}

func (rce RequiredCapabilitiesExtension) Type() ExtensionType {
	return ExtensionTypeRequiredCapabilities
}

// struct {
//     ProtocolVersion versions<V>;
//     CipherSuite cipher_suites<V>;
//     ExtensionType extensions<V>;
//     ProposalType proposals<V>;
//     CredentialType credentials<V>;
// } Capabilities;
type Capabilities struct {
	Versions     []ProtocolVersion `tls:"head=1"`
	CipherSuites []CipherSuite     `tls:"head=1"`
	Extensions   []ExtensionType   `tls:"head=1"`
	Proposals    []ProposalType    `tls:"head=1"`
	Credentials  []CredentialType  `tls:"head=1"`
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		Versions:     []ProtocolVersion{ProtocolVersionMLS10},
		CipherSuites: []CipherSuite{X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519},
		Extensions:   append([]ExtensionType{}, defaultExtensionTypes...),
		Proposals:    []ProposalType{},
		Credentials:  []CredentialType{CredentialTypeBasic, CredentialTypeX509},
	}
}

func (c Capabilities) supportsExtension(t ExtensionType) bool {
	for _, d := range defaultExtensionTypes {
		if d == t {
			return true
		}
	}
	for _, e := range c.Extensions {
		if e == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsProposal(t ProposalType) bool {
	if t.isDefault() {
		return true
	}
	for _, p := range c.Proposals {
		if p == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCredential(t CredentialType) bool {
	for _, ct := range c.Credentials {
		if ct == t {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsSuite(cs CipherSuite) bool {
	for _, s := range c.CipherSuites {
		if s == cs {
			return true
		}
	}
	return false
}

// satisfies reports whether c covers everything listed in the group's
// required capabilities and extension list.
func (c Capabilities) satisfies(groupExts ExtensionList) error {
	for _, ext := range groupExts.Entries {
		if !c.supportsExtension(ext.ExtensionType) {
			return fmt.Errorf("mls.extensions: extension 0x%04x not supported", uint16(ext.ExtensionType))
		}
	}

	var req RequiredCapabilitiesExtension
	found, err := groupExts.Find(&req)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for _, e := range req.Extensions {
		if !c.supportsExtension(e) {
			return fmt.Errorf("mls.extensions: required extension 0x%04x not supported", uint16(e))
		}
	}
	for _, p := range req.Proposals {
		if !c.supportsProposal(p) {
			return fmt.Errorf("mls.extensions: required proposal type %d not supported", p)
		}
	}
	for _, ct := range req.Credentials {
		if !c.supportsCredential(ct) {
			return fmt.Errorf("mls.extensions: required credential type %d not supported", ct)
		}
	}
	return nil
}
