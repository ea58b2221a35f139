package mls

import (
	"errors"
)

// validateProposal checks a single proposal from sender against the current
// epoch.  Checks that depend on the other proposals in a commit are made by
// checkProposalSet.
func (s *State) validateProposal(p Proposal, sender LeafIndex) error {
	pt := p.Type()
	if n := p.variants(); n != 1 {
		return validationErrorf(pt, ErrMalformedProposal, "%d proposal bodies set", n)
	}
	if !s.Tree.IsMember(sender) {
		return validationErrorf(pt, ErrUnknownLeaf, "sender %d", sender)
	}

	switch pt {
	case ProposalTypeAdd:
		return s.validateKeyPackage(p.Add.KeyPackage)

	case ProposalTypeUpdate:
		return s.validateLeafNode(pt, p.Update.LeafNode, sender, LeafNodeSourceUpdate)

	case ProposalTypeRemove:
		if !s.Tree.IsMember(p.Remove.Removed) {
			return validationErrorf(pt, ErrUnknownLeaf, "leaf %d", p.Remove.Removed)
		}

	case ProposalTypePreSharedKey:
		if _, ok := s.pskValue(p.PreSharedKey.PSK); !ok {
			return validationErrorf(pt, ErrUnknownPSK, "psk %x", p.PreSharedKey.PSK.PSKID)
		}

	case ProposalTypeReInit:
		ri := p.ReInit
		if ri.Version != ProtocolVersionMLS10 {
			return validationErrorf(pt, ErrInvalidReInit, "version %d", ri.Version)
		}
		if !ri.CipherSuite.supported() {
			return validationErrorf(pt, ErrWrongCipherSuite, "%v", ri.CipherSuite)
		}
		if err := ri.Extensions.validate(); err != nil {
			return validationErrorf(pt, ErrUnsupportedExtension, "%v", err)
		}

	case ProposalTypeExternalInit:
		return validationErrorf(pt, ErrExternalInit, "")

	case ProposalTypeGroupContextExtensions:
		exts := p.GroupContextExtensions.Extensions
		if err := exts.validate(); err != nil {
			return validationErrorf(pt, ErrUnsupportedExtension, "%v", err)
		}

		for _, i := range s.Tree.Members() {
			leaf, _ := s.Tree.LeafNode(i)
			if err := leaf.Capabilities.satisfies(exts); err != nil {
				return validationErrorf(pt, ErrUnsupportedExtension, "leaf %d: %v", i, err)
			}
		}
	}

	return nil
}

func (s *State) validateKeyPackage(kp KeyPackage) error {
	pt := ProposalTypeAdd
	if kp.CipherSuite != s.CipherSuite {
		return validationErrorf(pt, ErrWrongCipherSuite, "%v", kp.CipherSuite)
	}

	if err := kp.Verify(); err != nil {
		return validationErrorf(pt, ErrInvalidKeyPackage, "%v", err)
	}

	leaf := kp.LeafNode
	if err := s.Config.CredentialVerifier.Verify(leaf.Credential, leaf.SignatureKey); err != nil {
		return validationErrorf(pt, ErrCredentialRejected, "%v", err)
	}

	if err := leaf.Capabilities.satisfies(s.Extensions); err != nil {
		return validationErrorf(pt, ErrUnsupportedExtension, "%v", err)
	}

	if _, ok := s.Tree.Find(leaf.SignatureKey); ok {
		return validationErrorf(pt, ErrDuplicateMember, "signature key")
	}

	if s.Tree.hasEncryptionKey(leaf.EncryptionKey) || s.Tree.hasEncryptionKey(kp.InitKey) {
		return validationErrorf(pt, ErrDuplicateMember, "encryption key")
	}

	return nil
}

// validateLeafNode checks a leaf that will replace the one at index.  Its
// signature key may only match the leaf it replaces.
func (s *State) validateLeafNode(pt ProposalType, leaf LeafNode, index LeafIndex, source LeafNodeSource) error {
	if leaf.Source != source {
		return validationErrorf(pt, ErrInvalidLeafNode, "source %d", leaf.Source)
	}

	if !leaf.Verify(s.CipherSuite, s.GroupID, index) {
		return validationErrorf(pt, ErrInvalidLeafNode, "signature")
	}

	if err := s.Config.CredentialVerifier.Verify(leaf.Credential, leaf.SignatureKey); err != nil {
		return validationErrorf(pt, ErrCredentialRejected, "%v", err)
	}

	if !leaf.Capabilities.supportsSuite(s.CipherSuite) {
		return validationErrorf(pt, ErrWrongCipherSuite, "%v", s.CipherSuite)
	}

	if err := leaf.Capabilities.satisfies(s.Extensions); err != nil {
		return validationErrorf(pt, ErrUnsupportedExtension, "%v", err)
	}

	if s.Tree.hasEncryptionKey(leaf.EncryptionKey) {
		return validationErrorf(pt, ErrDuplicateMember, "encryption key")
	}

	if j, ok := s.Tree.Find(leaf.SignatureKey); ok && j != index {
		return validationErrorf(pt, ErrDuplicateMember, "signature key of leaf %d", j)
	}

	return nil
}

// validatePathLeaf checks the committer's new leaf against the provisional
// tree.
func (s *State) validatePathLeaf(committer LeafIndex, leaf LeafNode) error {
	err := s.validateLeafNode(0, leaf, committer, LeafNodeSourceCommit)
	if err == nil {
		return nil
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return commitErrorf(ErrMalformedPath, "leaf: %v", ve.Reason)
	}
	return err
}

// checkProposalSet applies the rules that span the proposals of one commit.
func (s *State) checkProposalSet(committer LeafIndex, list []resolvedProposal) error {
	changed := map[LeafIndex]bool{}
	sigKeys := map[string]bool{}
	encKeys := map[string]bool{}
	psks := map[string]bool{}
	reinit := false
	gce := false

	for _, rp := range list {
		p := rp.Proposal
		pt := p.Type()

		switch pt {
		case ProposalTypeUpdate:
			if rp.Sender == committer {
				return validationErrorf(pt, ErrCommitterUpdate, "leaf %d", committer)
			}
			if changed[rp.Sender] {
				return validationErrorf(pt, ErrConflictingProposals, "leaf %d", rp.Sender)
			}
			changed[rp.Sender] = true

			enc := string(p.Update.LeafNode.EncryptionKey.Data)
			if encKeys[enc] {
				return validationErrorf(pt, ErrDuplicateMember, "encryption key")
			}
			encKeys[enc] = true

		case ProposalTypeRemove:
			removed := p.Remove.Removed
			if removed == committer {
				return validationErrorf(pt, ErrSelfRemove, "leaf %d", committer)
			}
			if changed[removed] {
				return validationErrorf(pt, ErrConflictingProposals, "leaf %d", removed)
			}
			changed[removed] = true

		case ProposalTypeAdd:
			kp := p.Add.KeyPackage
			sig := string(kp.LeafNode.SignatureKey.Data)
			enc := string(kp.LeafNode.EncryptionKey.Data)
			if sigKeys[sig] || encKeys[enc] {
				return validationErrorf(pt, ErrDuplicateMember, "key package added twice")
			}
			sigKeys[sig] = true
			encKeys[enc] = true

		case ProposalTypePreSharedKey:
			key := p.PreSharedKey.PSK.key()
			if psks[key] {
				return validationErrorf(pt, ErrDuplicatePSK, "psk %x", p.PreSharedKey.PSK.PSKID)
			}
			psks[key] = true

		case ProposalTypeReInit:
			reinit = true

		case ProposalTypeExternalInit:
			return validationErrorf(pt, ErrExternalInit, "")

		case ProposalTypeGroupContextExtensions:
			if gce {
				return validationErrorf(pt, ErrConflictingProposals, "more than one extensions change")
			}
			gce = true
		}
	}

	if reinit && len(list) != 1 {
		return validationErrorf(ProposalTypeReInit, ErrInvalidReInit, "%d proposals", len(list))
	}

	return nil
}
