package mls

import (
	"errors"
	"fmt"
)

// Reasons a proposal fails validation.  Each is wrapped in a
// *ValidationError.
var (
	ErrUnknownLeaf          = errors.New("unknown or blank leaf")
	ErrMalformedProposal    = errors.New("proposal must carry exactly one body")
	ErrConflictingProposals = errors.New("conflicting membership changes for one leaf")
	ErrSelfRemove           = errors.New("committer removes itself")
	ErrCommitterUpdate      = errors.New("committer includes its own update")
	ErrDuplicateMember      = errors.New("key already present in tree")
	ErrInvalidKeyPackage    = errors.New("invalid key package")
	ErrInvalidLeafNode      = errors.New("invalid leaf node")
	ErrCredentialRejected   = errors.New("credential rejected")
	ErrUnknownProposalRef   = errors.New("unknown proposal reference")
	ErrInvalidReInit        = errors.New("reinit must be the only proposal")
	ErrExternalInit         = errors.New("external init in member commit")
	ErrUnsupportedExtension = errors.New("extension unsupported by a member")
	ErrUnknownPSK           = errors.New("unknown pre-shared key")
	ErrDuplicatePSK         = errors.New("pre-shared key included twice")
	ErrWrongCipherSuite     = errors.New("cipher suite mismatch")
)

// Reasons a commit is rejected.  Each is wrapped in a *CommitError.
var (
	ErrMissingPath          = errors.New("commit requires a path")
	ErrMalformedPath        = errors.New("malformed update path")
	ErrPathMismatch         = errors.New("path keys inconsistent with path secrets")
	ErrConfirmationMismatch = errors.New("confirmation tag mismatch")
	ErrTreeHashMismatch     = errors.New("tree hash mismatch")
	ErrDuplicateCommit      = errors.New("commit already applied")
	ErrEvicted              = errors.New("commit removes this member")
	ErrCommitterUnknown     = errors.New("commit from a leaf not in the tree")
)

// Reasons protection or unprotection fails.  Each is wrapped in a
// *ProtectionError.
var (
	ErrStaleEpoch         = errors.New("epoch no longer retained")
	ErrFutureEpoch        = errors.New("epoch not yet reached")
	ErrWrongGroup         = errors.New("message for a different group")
	ErrReplay             = errors.New("generation already consumed")
	ErrGenerationTooOld   = errors.New("generation outside replay window")
	ErrGenerationTooFar   = errors.New("generation too far ahead")
	ErrGenerationsSpent   = errors.New("ratchet generations exhausted")
	ErrTagMismatch        = errors.New("authentication tag mismatch")
	ErrSignatureMismatch  = errors.New("signature verification failed")
	ErrMembershipMismatch = errors.New("membership tag mismatch")
	ErrUnknownSender      = errors.New("sender not in tree")
	ErrMalformedMessage   = errors.New("malformed message")
)

// Group lifecycle.
var (
	ErrFork           = errors.New("conflicting commits for one epoch")
	ErrPendingCommit  = errors.New("a commit is already pending")
	ErrNoPending      = errors.New("no pending commit")
	ErrGroupClosed    = errors.New("group is closed")
	ErrGroupExists    = errors.New("group already registered")
	ErrGroupNotFound  = errors.New("group not found")
	ErrNoKeyPackage   = errors.New("no key package matches welcome")
	ErrGroupReInitted = errors.New("group has been reinitialized")
	ErrExportLength   = errors.New("exported secret length out of range")
	ErrExportLabel    = errors.New("exporter label too long")
)

type ValidationError struct {
	Proposal ProposalType
	Reason   error
	Detail   string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("mls.validation: %v proposal: %v", e.Proposal, e.Reason)
	}
	return fmt.Sprintf("mls.validation: %v proposal: %v: %s", e.Proposal, e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func validationErrorf(pt ProposalType, reason error, format string, args ...interface{}) error {
	return &ValidationError{Proposal: pt, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type CommitError struct {
	Reason error
	Detail string
}

func (e *CommitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("mls.commit: %v", e.Reason)
	}
	return fmt.Sprintf("mls.commit: %v: %s", e.Reason, e.Detail)
}

func (e *CommitError) Unwrap() error {
	return e.Reason
}

func commitErrorf(reason error, format string, args ...interface{}) error {
	return &CommitError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type ProtectionError struct {
	Reason error
	Detail string
}

func (e *ProtectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("mls.protection: %v", e.Reason)
	}
	return fmt.Sprintf("mls.protection: %v: %s", e.Reason, e.Detail)
}

func (e *ProtectionError) Unwrap() error {
	return e.Reason
}

func protectionErrorf(reason error, format string, args ...interface{}) error {
	return &ProtectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ForkError reports two distinct well-formed commits for the same epoch.
// Neither is chosen; the application decides which branch survives.
type ForkError struct {
	Epoch       uint64
	Accepted    []byte
	Conflicting []byte
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("mls.fork: epoch %d: accepted commit %x, conflicting commit %x", e.Epoch, e.Accepted, e.Conflicting)
}

func (e *ForkError) Unwrap() error {
	return ErrFork
}
