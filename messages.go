package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 0x0001
	WireFormatPrivateMessage WireFormat = 0x0002
	WireFormatWelcome        WireFormat = 0x0003
	WireFormatGroupInfo      WireFormat = 0x0004
	WireFormatKeyPackage     WireFormat = 0x0005
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatPublicMessage, WireFormatPrivateMessage,
		WireFormatWelcome, WireFormatGroupInfo, WireFormatKeyPackage)
}

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

func (ct ContentType) ratchet() ratchetType {
	if ct == ContentTypeApplication {
		return ratchetApplication
	}
	return ratchetHandshake
}

// Only members send messages; external and new-member senders are not
// supported.
type SenderType uint8

const (
	SenderTypeMember SenderType = 1
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember)
}

type Sender struct {
	Type SenderType
	Leaf LeafIndex
}

func memberSender(index LeafIndex) Sender {
	return Sender{Type: SenderTypeMember, Leaf: index}
}

///
/// Framed content
///

type applicationData struct {
	Data []byte `tls:"head=4"`
}

// struct {
//     opaque group_id<V>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<V>;
//     ContentType content_type;
//     select (FramedContent.content_type) {
//         case application: opaque application_data<V>;
//         case proposal:    Proposal proposal;
//         case commit:      Commit commit;
//     };
// } FramedContent;
type FramedContent struct {
	GroupID           []byte
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte
	Application       []byte
	Proposal          *Proposal
	Commit            *Commit
}

type framedContentHeader struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
}

func (fc FramedContent) ContentType() ContentType {
	switch {
	case fc.Commit != nil:
		return ContentTypeCommit
	case fc.Proposal != nil:
		return ContentTypeProposal
	default:
		return ContentTypeApplication
	}
}

func writeContentBody(s *syntax.WriteStream, fc FramedContent) error {
	switch fc.ContentType() {
	case ContentTypeApplication:
		return s.Write(applicationData{fc.Application})
	case ContentTypeProposal:
		return s.Write(fc.Proposal)
	default:
		return s.Write(fc.Commit)
	}
}

func readContentBody(s *syntax.ReadStream, ct ContentType, fc *FramedContent) error {
	var err error
	switch ct {
	case ContentTypeApplication:
		var app applicationData
		_, err = s.Read(&app)
		fc.Application = app.Data
	case ContentTypeProposal:
		fc.Proposal = new(Proposal)
		_, err = s.Read(fc.Proposal)
	case ContentTypeCommit:
		fc.Commit = new(Commit)
		_, err = s.Read(fc.Commit)
	default:
		err = fmt.Errorf("mls.messages: invalid content type %d", ct)
	}
	return err
}

func (fc FramedContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(framedContentHeader{
		GroupID:           fc.GroupID,
		Epoch:             fc.Epoch,
		Sender:            fc.Sender,
		AuthenticatedData: fc.AuthenticatedData,
	}, fc.ContentType())
	if err != nil {
		return nil, err
	}

	if err := writeContentBody(s, fc); err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (fc *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var header framedContentHeader
	var ct ContentType
	_, err := s.ReadAll(&header, &ct)
	if err != nil {
		return 0, err
	}

	fc.GroupID = header.GroupID
	fc.Epoch = header.Epoch
	fc.Sender = header.Sender
	fc.AuthenticatedData = header.AuthenticatedData

	if err := readContentBody(s, ct, fc); err != nil {
		return 0, err
	}

	return s.Position(), nil
}

// struct {
//     opaque signature<V>;
//     select (FramedContent.content_type) {
//         case commit: MAC confirmation_tag;
//         default:     struct{};
//     };
// } FramedContentAuthData;
//
// The confirmation tag is always encoded and is empty for non-commits.
type FramedContentAuthData struct {
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"`
}

// struct {
//     ProtocolVersion version;
//     WireFormat wire_format;
//     FramedContent content;
//     GroupContext context;
// } FramedContentTBS;
type framedContentTBS struct {
	Version    ProtocolVersion
	WireFormat WireFormat
	Content    FramedContent
	Context    GroupContext
}

func signContentTBS(wf WireFormat, content FramedContent, ctx GroupContext) ([]byte, error) {
	return syntax.Marshal(framedContentTBS{
		Version:    ProtocolVersionMLS10,
		WireFormat: wf,
		Content:    content,
		Context:    ctx,
	})
}

func signFramedContent(suite CipherSuite, priv SignaturePrivateKey, wf WireFormat, content FramedContent, ctx GroupContext) ([]byte, error) {
	tbs, err := signContentTBS(wf, content, ctx)
	if err != nil {
		return nil, err
	}
	return suite.Scheme().SignWithLabel(&priv, "FramedContentTBS", tbs)
}

func verifyFramedContent(suite CipherSuite, pub SignaturePublicKey, wf WireFormat, content FramedContent, ctx GroupContext, sig []byte) bool {
	tbs, err := signContentTBS(wf, content, ctx)
	if err != nil {
		return false
	}
	return suite.Scheme().VerifyWithLabel(&pub, "FramedContentTBS", tbs, sig)
}

// AuthenticatedContent is a FramedContent with its authentication data,
// independent of how it travelled.
type AuthenticatedContent struct {
	WireFormat WireFormat
	Content    FramedContent
	Auth       FramedContentAuthData
}

// ProposalRef identifies a proposal by the hash of its authenticated
// content, so the same proposal bytes from two senders are distinct.
func (ac AuthenticatedContent) ProposalRef(suite CipherSuite) (ProposalRef, error) {
	data, err := syntax.Marshal(ac)
	if err != nil {
		return nil, err
	}
	return suite.refHash("Proposal Reference", data), nil
}

// confirmedTranscriptInput is hashed into the confirmed transcript hash.
type confirmedTranscriptInput struct {
	WireFormat WireFormat
	Content    FramedContent
	Signature  []byte `tls:"head=2"`
}

type interimTranscriptInput struct {
	ConfirmationTag []byte `tls:"head=1"`
}

///
/// PublicMessage
///

// struct {
//     FramedContent content;
//     FramedContentAuthData auth;
//     select (PublicMessage.content.sender.sender_type) {
//         case member: MAC membership_tag;
//     };
// } PublicMessage;
type PublicMessage struct {
	Content       FramedContent
	Auth          FramedContentAuthData
	MembershipTag []byte `tls:"head=1"`
}

type authenticatedContentTBM struct {
	ContentTBS framedContentTBS
	Auth       FramedContentAuthData
}

func (pt PublicMessage) membershipMAC(suite CipherSuite, membershipKey []byte, ctx GroupContext) ([]byte, error) {
	tbm, err := syntax.Marshal(authenticatedContentTBM{
		ContentTBS: framedContentTBS{
			Version:    ProtocolVersionMLS10,
			WireFormat: WireFormatPublicMessage,
			Content:    pt.Content,
			Context:    ctx,
		},
		Auth: pt.Auth,
	})
	if err != nil {
		return nil, err
	}
	return suite.mac(membershipKey, tbm), nil
}

func (pt PublicMessage) authenticated() AuthenticatedContent {
	return AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content:    pt.Content,
		Auth:       pt.Auth,
	}
}

///
/// PrivateMessage
///

// PrivateMessage is laid out big-endian in this fixed order:
//
//	opaque group_id<0..255>;
//	uint64 epoch;
//	uint32 sender;
//	uint8  content_type;
//	uint32 generation;
//	opaque ciphertext<0..2^32-1>;
//	opaque tag[16];
//	opaque signature[64];
//
// Every field before the ciphertext is the AEAD additional data.  The
// signature covers everything before it; the signature over the content
// itself travels inside the ciphertext.
type PrivateMessage struct {
	GroupID     []byte
	Epoch       uint64
	Sender      LeafIndex
	ContentType ContentType
	Generation  uint32
	Ciphertext  []byte
	Tag         [aeadTagSize]byte
	Signature   [signatureSize]byte
}

type privateMessageHeader struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       uint64
	Sender      LeafIndex
	ContentType ContentType
	Generation  uint32
}

type privateMessageBody struct {
	Ciphertext []byte `tls:"head=4"`
}

func (pm PrivateMessage) header() privateMessageHeader {
	return privateMessageHeader{
		GroupID:     pm.GroupID,
		Epoch:       pm.Epoch,
		Sender:      pm.Sender,
		ContentType: pm.ContentType,
		Generation:  pm.Generation,
	}
}

func (pm PrivateMessage) aad() ([]byte, error) {
	return syntax.Marshal(pm.header())
}

func (pm PrivateMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(pm.header(), privateMessageBody{pm.Ciphertext})
	if err != nil {
		return nil, err
	}

	out := s.Data()
	out = append(out, pm.Tag[:]...)
	out = append(out, pm.Signature[:]...)
	return out, nil
}

// tbs is the encoded message up to its signature.
func (pm PrivateMessage) tbs() ([]byte, error) {
	data, err := pm.MarshalTLS()
	if err != nil {
		return nil, err
	}
	return data[:len(data)-signatureSize], nil
}

func (pm *PrivateMessage) sign(suite CipherSuite, priv SignaturePrivateKey) error {
	tbs, err := pm.tbs()
	if err != nil {
		return err
	}

	sig, err := suite.Scheme().SignWithLabel(&priv, "PrivateMessageTBS", tbs)
	if err != nil {
		return err
	}
	if len(sig) != signatureSize {
		return fmt.Errorf("mls.messages: signature is %d bytes", len(sig))
	}

	copy(pm.Signature[:], sig)
	return nil
}

func (pm PrivateMessage) verify(suite CipherSuite, pub SignaturePublicKey) bool {
	tbs, err := pm.tbs()
	if err != nil {
		return false
	}
	return suite.Scheme().VerifyWithLabel(&pub, "PrivateMessageTBS", tbs, pm.Signature[:])
}

func (pm *PrivateMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var header privateMessageHeader
	var body privateMessageBody
	_, err := s.ReadAll(&header, &body)
	if err != nil {
		return 0, err
	}

	pos := s.Position()
	if len(data)-pos < aeadTagSize+signatureSize {
		return 0, fmt.Errorf("mls.messages: private message truncated")
	}

	pm.GroupID = header.GroupID
	pm.Epoch = header.Epoch
	pm.Sender = header.Sender
	pm.ContentType = header.ContentType
	pm.Generation = header.Generation
	pm.Ciphertext = body.Ciphertext
	copy(pm.Tag[:], data[pos:pos+aeadTagSize])
	copy(pm.Signature[:], data[pos+aeadTagSize:pos+aeadTagSize+signatureSize])

	return pos + aeadTagSize + signatureSize, nil
}

// The AEAD plaintext of a PrivateMessage.
type privateMessageContent struct {
	Content           FramedContent `tls:"omit"`
	AuthenticatedData []byte        `tls:"omit"`
	Signature         []byte        `tls:"omit"`
	ConfirmationTag   []byte        `tls:"omit"`
}

type privateContentTrailer struct {
	AuthenticatedData []byte `tls:"head=4"`
	Signature         []byte `tls:"head=2"`
	ConfirmationTag   []byte `tls:"head=1"`
}

func (pc privateMessageContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := writeContentBody(s, pc.Content); err != nil {
		return nil, err
	}

	err := s.Write(privateContentTrailer{pc.AuthenticatedData, pc.Signature, pc.ConfirmationTag})
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func unmarshalPrivateContent(data []byte, ct ContentType) (privateMessageContent, error) {
	s := syntax.NewReadStream(data)
	var pc privateMessageContent
	if err := readContentBody(s, ct, &pc.Content); err != nil {
		return pc, err
	}

	var trailer privateContentTrailer
	if _, err := s.Read(&trailer); err != nil {
		return pc, err
	}

	if s.Position() != len(data) {
		return pc, fmt.Errorf("mls.messages: trailing data in private message content")
	}

	pc.AuthenticatedData = trailer.AuthenticatedData
	pc.Signature = trailer.Signature
	pc.ConfirmationTag = trailer.ConfirmationTag
	return pc, nil
}

///
/// MLSMessage
///

// struct {
//     ProtocolVersion version = mls10;
//     WireFormat wire_format;
//     select (MLSMessage.wire_format) {
//         case mls_public_message:  PublicMessage public_message;
//         case mls_private_message: PrivateMessage private_message;
//         case mls_welcome:         Welcome welcome;
//         case mls_group_info:      GroupInfo group_info;
//         case mls_key_package:     KeyPackage key_package;
//     };
// } MLSMessage;
type MLSMessage struct {
	Version    ProtocolVersion
	Public     *PublicMessage
	Private    *PrivateMessage
	Welcome    *Welcome
	GroupInfo  *GroupInfo
	KeyPackage *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.Public != nil:
		return WireFormatPublicMessage
	case m.Private != nil:
		return WireFormatPrivateMessage
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.GroupInfo != nil:
		return WireFormatGroupInfo
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	default:
		panic("mls.messages: malformed message")
	}
}

// GroupID and Epoch locate a handshake or application message; they are
// zero for other wire formats.
func (m MLSMessage) GroupID() []byte {
	switch {
	case m.Public != nil:
		return m.Public.Content.GroupID
	case m.Private != nil:
		return m.Private.GroupID
	}
	return nil
}

func (m MLSMessage) Epoch() uint64 {
	switch {
	case m.Public != nil:
		return m.Public.Content.Epoch
	case m.Private != nil:
		return m.Private.Epoch
	}
	return 0
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	wf := m.WireFormat()
	err := s.WriteAll(ProtocolVersionMLS10, wf)
	if err != nil {
		return nil, err
	}

	switch wf {
	case WireFormatPublicMessage:
		err = s.Write(m.Public)
	case WireFormatPrivateMessage:
		err = s.Write(m.Private)
	case WireFormatWelcome:
		err = s.Write(m.Welcome)
	case WireFormatGroupInfo:
		err = s.Write(m.GroupInfo)
	case WireFormatKeyPackage:
		err = s.Write(m.KeyPackage)
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var wf WireFormat
	_, err := s.ReadAll(&m.Version, &wf)
	if err != nil {
		return 0, err
	}

	if m.Version != ProtocolVersionMLS10 {
		return 0, fmt.Errorf("mls.messages: unsupported version %d", m.Version)
	}

	switch wf {
	case WireFormatPublicMessage:
		m.Public = new(PublicMessage)
		_, err = s.Read(m.Public)
	case WireFormatPrivateMessage:
		m.Private = new(PrivateMessage)
		_, err = s.Read(m.Private)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	case WireFormatGroupInfo:
		m.GroupInfo = new(GroupInfo)
		_, err = s.Read(m.GroupInfo)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		_, err = s.Read(m.KeyPackage)
	default:
		err = fmt.Errorf("mls.messages: unknown wire format %d", wf)
	}

	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

// Encode and Decode give the wire form of a message.
func (m MLSMessage) Encode() ([]byte, error) {
	return syntax.Marshal(m)
}

func DecodeMessage(data []byte) (*MLSMessage, error) {
	m := new(MLSMessage)
	read, err := syntax.Unmarshal(data, m)
	if err != nil {
		return nil, protectionErrorf(ErrMalformedMessage, "%v", err)
	}
	if read != len(data) {
		return nil, protectionErrorf(ErrMalformedMessage, "%d trailing bytes", len(data)-read)
	}
	return m, nil
}
