package mls

import (
	"bytes"
	"crypto/hmac"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// epochView is the state needed to authenticate a message from some
// epoch, either the current one or a retained past epoch.
type epochView struct {
	Epoch   uint64
	Context GroupContext
	Tree    *TreeKEMPublicKey
	Keys    *keyScheduleEpoch

	// CommitRef is the commit that ended this epoch, nil for the current
	// epoch.
	CommitRef []byte
}

func (s *State) view(epoch uint64) (*epochView, error) {
	if epoch > s.Epoch {
		return nil, protectionErrorf(ErrFutureEpoch, "epoch %d, current %d", epoch, s.Epoch)
	}

	if epoch == s.Epoch {
		ctx, err := s.groupContext()
		if err != nil {
			return nil, err
		}
		return &epochView{Epoch: s.Epoch, Context: ctx, Tree: &s.Tree, Keys: s.Keys}, nil
	}

	for i := range s.History {
		r := &s.History[i]
		if r.Epoch == epoch && r.Keys != nil {
			return &epochView{Epoch: r.Epoch, Context: r.Context, Tree: &r.Tree, Keys: r.Keys, CommitRef: r.CommitRef}, nil
		}
	}

	return nil, protectionErrorf(ErrStaleEpoch, "epoch %d, current %d", epoch, s.Epoch)
}

func (s *State) handshakeWireFormat() WireFormat {
	if s.Config.EncryptHandshake {
		return WireFormatPrivateMessage
	}
	return WireFormatPublicMessage
}

func (s *State) sign(wf WireFormat, content FramedContent, ctx GroupContext) (AuthenticatedContent, error) {
	sig, err := signFramedContent(s.CipherSuite, s.Identity.SignaturePriv, wf, content, ctx)
	if err != nil {
		return AuthenticatedContent{}, err
	}

	return AuthenticatedContent{
		WireFormat: wf,
		Content:    content,
		Auth:       FramedContentAuthData{Signature: sig, ConfirmationTag: []byte{}},
	}, nil
}

// protect wraps signed content for the wire under this epoch's keys.
func (s *State) protect(ac AuthenticatedContent, ctx GroupContext) (*MLSMessage, error) {
	switch ac.WireFormat {
	case WireFormatPublicMessage:
		pt := PublicMessage{Content: ac.Content, Auth: ac.Auth}
		tag, err := pt.membershipMAC(s.CipherSuite, s.Keys.MembershipKey, ctx)
		if err != nil {
			return nil, err
		}
		pt.MembershipTag = tag
		return &MLSMessage{Version: ProtocolVersionMLS10, Public: &pt}, nil

	case WireFormatPrivateMessage:
		return s.encrypt(ac)
	}

	return nil, fmt.Errorf("mls.framing: cannot protect wire format %d", ac.WireFormat)
}

func (s *State) encrypt(ac AuthenticatedContent) (*MLSMessage, error) {
	if len(ac.Auth.Signature) != signatureSize {
		return nil, fmt.Errorf("mls.framing: signature is %d bytes", len(ac.Auth.Signature))
	}

	ct := ac.Content.ContentType()
	generation, kn, err := s.Keys.NextKey(ct.ratchet(), s.Index)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	pm := PrivateMessage{
		GroupID:     ac.Content.GroupID,
		Epoch:       ac.Content.Epoch,
		Sender:      s.Index,
		ContentType: ct,
		Generation:  generation,
	}

	pt, err := syntax.Marshal(privateMessageContent{
		Content:           ac.Content,
		AuthenticatedData: ac.Content.AuthenticatedData,
		Signature:         ac.Auth.Signature,
		ConfirmationTag:   ac.Auth.ConfirmationTag,
	})
	if err != nil {
		return nil, err
	}
	defer zeroize(pt)

	aad, err := pm.aad()
	if err != nil {
		return nil, err
	}

	aead, err := s.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, kn.Nonce, pt, aad)
	split := len(sealed) - aeadTagSize
	pm.Ciphertext = sealed[:split]
	copy(pm.Tag[:], sealed[split:])

	if err := pm.sign(s.CipherSuite, s.Identity.SignaturePriv); err != nil {
		return nil, err
	}

	return &MLSMessage{Version: ProtocolVersionMLS10, Private: &pm}, nil
}

// Protect encrypts application data for the group.  Application data is
// always sent as a PrivateMessage.
func (s *State) Protect(data, authenticatedData []byte) (*MLSMessage, error) {
	content := FramedContent{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            memberSender(s.Index),
		AuthenticatedData: dup(authenticatedData),
		Application:       dup(data),
	}

	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	ac, err := s.sign(WireFormatPrivateMessage, content, ctx)
	if err != nil {
		return nil, err
	}

	return s.encrypt(ac)
}

// Unprotect authenticates and decrypts an application message.  Handshake
// messages must go through Handle.
func (s *State) Unprotect(msg *MLSMessage) (data, authenticatedData []byte, err error) {
	if msg.Private == nil || msg.Private.ContentType != ContentTypeApplication {
		return nil, nil, protectionErrorf(ErrMalformedMessage, "not an application message")
	}

	ac, _, err := s.unprotect(msg)
	if err != nil {
		return nil, nil, err
	}
	return ac.Content.Application, ac.Content.AuthenticatedData, nil
}

func (s *State) unprotect(msg *MLSMessage) (AuthenticatedContent, *epochView, error) {
	if msg.Version != ProtocolVersionMLS10 {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "version %d", msg.Version)
	}

	switch {
	case msg.Public != nil:
		return s.unprotectPublic(msg.Public)
	case msg.Private != nil:
		return s.unprotectPrivate(msg.Private)
	}

	return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "wire format %d carries no group content", msg.WireFormat())
}

func (s *State) unprotectPublic(pt *PublicMessage) (AuthenticatedContent, *epochView, error) {
	content := pt.Content
	if !bytes.Equal(content.GroupID, s.GroupID) {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrWrongGroup, "%x", content.GroupID)
	}

	if content.ContentType() == ContentTypeApplication {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "unencrypted application data")
	}

	if content.ContentType() == ContentTypeCommit && len(pt.Auth.ConfirmationTag) == 0 {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "commit without confirmation tag")
	}

	view, err := s.view(content.Epoch)
	if err != nil {
		return AuthenticatedContent{}, nil, err
	}

	tag, err := pt.membershipMAC(s.CipherSuite, view.Keys.MembershipKey, view.Context)
	if err != nil {
		return AuthenticatedContent{}, nil, err
	}

	if !hmac.Equal(tag, pt.MembershipTag) {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMembershipMismatch, "sender %d", content.Sender.Leaf)
	}

	leaf, ok := view.Tree.LeafNode(content.Sender.Leaf)
	if !ok {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrUnknownSender, "leaf %d", content.Sender.Leaf)
	}

	if !verifyFramedContent(s.CipherSuite, leaf.SignatureKey, WireFormatPublicMessage, content, view.Context, pt.Auth.Signature) {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrSignatureMismatch, "sender %d", content.Sender.Leaf)
	}

	return pt.authenticated(), view, nil
}

func (s *State) unprotectPrivate(pm *PrivateMessage) (AuthenticatedContent, *epochView, error) {
	if !bytes.Equal(pm.GroupID, s.GroupID) {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrWrongGroup, "%x", pm.GroupID)
	}

	view, err := s.view(pm.Epoch)
	if err != nil {
		return AuthenticatedContent{}, nil, err
	}

	// This member's ratchets only ever send
	if pm.Sender == s.Index {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrReplay, "message from this member")
	}

	leaf, ok := view.Tree.LeafNode(pm.Sender)
	if !ok {
		return AuthenticatedContent{}, nil, protectionErrorf(ErrUnknownSender, "leaf %d", pm.Sender)
	}

	rt := pm.ContentType.ratchet()
	kn, next, err := view.Keys.GetKey(rt, pm.Sender, pm.Generation)
	if err != nil {
		return AuthenticatedContent{}, nil, err
	}
	defer kn.zeroize()

	aad, err := pm.aad()
	if err != nil {
		next.zeroize()
		return AuthenticatedContent{}, nil, err
	}

	aead, err := s.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		next.zeroize()
		return AuthenticatedContent{}, nil, err
	}

	sealed := append(dup(pm.Ciphertext), pm.Tag[:]...)
	pt, err := aead.Open(nil, kn.Nonce, sealed, aad)
	if err != nil {
		next.zeroize()
		return AuthenticatedContent{}, nil, protectionErrorf(ErrTagMismatch, "sender %d generation %d", pm.Sender, pm.Generation)
	}

	pc, err := unmarshalPrivateContent(pt, pm.ContentType)
	if err != nil {
		next.zeroize()
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "%v", err)
	}

	if !pm.verify(s.CipherSuite, leaf.SignatureKey) {
		next.zeroize()
		return AuthenticatedContent{}, nil, protectionErrorf(ErrSignatureMismatch, "sender %d envelope", pm.Sender)
	}

	content := pc.Content
	content.GroupID = pm.GroupID
	content.Epoch = pm.Epoch
	content.Sender = memberSender(pm.Sender)
	content.AuthenticatedData = pc.AuthenticatedData

	if content.ContentType() == ContentTypeCommit && len(pc.ConfirmationTag) == 0 {
		next.zeroize()
		return AuthenticatedContent{}, nil, protectionErrorf(ErrMalformedMessage, "commit without confirmation tag")
	}

	ac := AuthenticatedContent{
		WireFormat: WireFormatPrivateMessage,
		Content:    content,
		Auth: FramedContentAuthData{
			Signature:       pc.Signature,
			ConfirmationTag: pc.ConfirmationTag,
		},
	}

	if !verifyFramedContent(s.CipherSuite, leaf.SignatureKey, WireFormatPrivateMessage, content, view.Context, ac.Auth.Signature) {
		next.zeroize()
		return AuthenticatedContent{}, nil, protectionErrorf(ErrSignatureMismatch, "sender %d", pm.Sender)
	}

	view.Keys.Consume(rt, next, pm.Generation)
	return ac, view, nil
}
