package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ProposalType uint16

const (
	ProposalTypeNone                   ProposalType = 0x0000
	ProposalTypeAdd                    ProposalType = 0x0001
	ProposalTypeUpdate                 ProposalType = 0x0002
	ProposalTypeRemove                 ProposalType = 0x0003
	ProposalTypePreSharedKey           ProposalType = 0x0004
	ProposalTypeReInit                 ProposalType = 0x0005
	ProposalTypeExternalInit           ProposalType = 0x0006
	ProposalTypeGroupContextExtensions ProposalType = 0x0007
)

func (pt ProposalType) isDefault() bool {
	return pt >= ProposalTypeAdd && pt <= ProposalTypeGroupContextExtensions
}

func (pt ProposalType) ValidForTLS() error {
	if !pt.isDefault() {
		return fmt.Errorf("mls.proposal: unknown proposal type %d", uint16(pt))
	}
	return nil
}

func (pt ProposalType) String() string {
	switch pt {
	case ProposalTypeAdd:
		return "add"
	case ProposalTypeUpdate:
		return "update"
	case ProposalTypeRemove:
		return "remove"
	case ProposalTypePreSharedKey:
		return "psk"
	case ProposalTypeReInit:
		return "reinit"
	case ProposalTypeExternalInit:
		return "external_init"
	case ProposalTypeGroupContextExtensions:
		return "group_context_extensions"
	case ProposalTypeNone:
		return "none"
	}
	return fmt.Sprintf("ProposalType(%d)", uint16(pt))
}

// Add
type AddProposal struct {
	KeyPackage KeyPackage
}

// Update
type UpdateProposal struct {
	LeafNode LeafNode
}

// Remove
type RemoveProposal struct {
	Removed LeafIndex
}

// PreSharedKey
type PreSharedKeyProposal struct {
	PSK PreSharedKeyID
}

// ReInit
type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

// ExternalInit
type ExternalInitProposal struct {
	KEMOutput []byte `tls:"head=2"`
}

// GroupContextExtensions
type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

// struct {
//     ProposalType proposal_type;
//     select (Proposal.proposal_type) {
//         case add:                      Add;
//         case update:                   Update;
//         case remove:                   Remove;
//         case psk:                      PreSharedKey;
//         case reinit:                   ReInit;
//         case external_init:            ExternalInit;
//         case group_context_extensions: GroupContextExtensions;
//     };
// } Proposal;
type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PreSharedKey           *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

// variants counts the proposal bodies that are set.  A well-formed proposal
// has exactly one.
func (p Proposal) variants() int {
	n := 0
	for _, set := range []bool{
		p.Add != nil,
		p.Update != nil,
		p.Remove != nil,
		p.PreSharedKey != nil,
		p.ReInit != nil,
		p.ExternalInit != nil,
		p.GroupContextExtensions != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Type reports ProposalTypeNone for a proposal with no body.
func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PreSharedKey != nil:
		return ProposalTypePreSharedKey
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	default:
		return ProposalTypeNone
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	if n := p.variants(); n != 1 {
		return nil, fmt.Errorf("mls.proposal: %d proposal bodies set", n)
	}

	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	case ProposalTypePreSharedKey:
		err = s.Write(p.PreSharedKey)
	case ProposalTypeReInit:
		err = s.Write(p.ReInit)
	case ProposalTypeExternalInit:
		err = s.Write(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		err = s.Write(p.GroupContextExtensions)
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	case ProposalTypePreSharedKey:
		p.PreSharedKey = new(PreSharedKeyProposal)
		_, err = s.Read(p.PreSharedKey)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		_, err = s.Read(p.ReInit)
	case ProposalTypeExternalInit:
		p.ExternalInit = new(ExternalInitProposal)
		_, err = s.Read(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		_, err = s.Read(p.GroupContextExtensions)
	default:
		err = fmt.Errorf("mls.proposal: unknown proposal type %d", proposalType)
	}

	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

func (p Proposal) Equals(o Proposal) bool {
	lhs, err := syntax.Marshal(p)
	if err != nil {
		return false
	}
	rhs, err := syntax.Marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(lhs, rhs)
}

///
/// Proposal references
///

type ProposalRef []byte

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

func (t ProposalOrRefType) ValidForTLS() error {
	return validateEnum(t, ProposalOrRefTypeProposal, ProposalOrRefTypeReference)
}

// struct {
//     ProposalOrRefType type;
//     select (ProposalOrRef.type) {
//         case proposal:  Proposal proposal;
//         case reference: ProposalRef reference;
//     };
// } ProposalOrRef;
type ProposalOrRef struct {
	Proposal  *Proposal
	Reference ProposalRef
}

type proposalRefData struct {
	Data []byte `tls:"head=1"`
}

func (por ProposalOrRef) Type() ProposalOrRefType {
	if por.Proposal != nil {
		return ProposalOrRefTypeProposal
	}
	return ProposalOrRefTypeReference
}

func (por ProposalOrRef) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(por.Type())
	if err != nil {
		return nil, err
	}

	if por.Proposal != nil {
		err = s.Write(por.Proposal)
	} else {
		err = s.Write(proposalRefData{por.Reference})
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (por *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var porType ProposalOrRefType
	_, err := s.Read(&porType)
	if err != nil {
		return 0, err
	}

	switch porType {
	case ProposalOrRefTypeProposal:
		por.Proposal = new(Proposal)
		_, err = s.Read(por.Proposal)
	case ProposalOrRefTypeReference:
		var ref proposalRefData
		_, err = s.Read(&ref)
		por.Reference = ref.Data
	default:
		err = fmt.Errorf("mls.proposal: invalid proposal-or-ref type %d", porType)
	}

	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// Commit
///

// struct {
//     ProposalOrRef proposals<V>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath     `tls:"optional"`
}

// pathRequired reports whether a commit covering these proposals must carry
// an UpdatePath.  Commits of only Add, PreSharedKey or ReInit proposals
// may omit it.
func pathRequired(proposals []Proposal) bool {
	if len(proposals) == 0 {
		return true
	}

	for _, p := range proposals {
		switch p.Type() {
		case ProposalTypeAdd, ProposalTypePreSharedKey, ProposalTypeReInit:
		default:
			return true
		}
	}
	return false
}
