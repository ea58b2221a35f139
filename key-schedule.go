package mls

import (
	"fmt"
	"math"
	"sort"

	"github.com/cisco/go-tls-syntax"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Hash ratchet
///

type cachedKey struct {
	Generation uint32
	Keys       keyAndNonce
}

// hashRatchet yields one key and nonce per generation.  A sender only moves
// forward.  A receiver keeps keys for skipped generations until they are
// consumed or fall out of the replay window.
type hashRatchet struct {
	Sender         LeafIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          []cachedKey `tls:"head=4"`
}

func newHashRatchet(sender LeafIndex, baseSecret []byte) hashRatchet {
	return hashRatchet{
		Sender:         sender,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          []cachedKey{},
	}
}

func (hr *hashRatchet) step(suite CipherSuite) (uint32, keyAndNonce, error) {
	if hr.NextGeneration == math.MaxUint32 {
		return 0, keyAndNonce{}, protectionErrorf(ErrGenerationsSpent, "sender %d", hr.Sender)
	}

	c := suite.Constants()
	generation := hr.NextGeneration
	key := suite.deriveTreeSecret(hr.NextSecret, "key", generation, c.KeySize)
	nonce := suite.deriveTreeSecret(hr.NextSecret, "nonce", generation, c.NonceSize)
	secret := suite.deriveTreeSecret(hr.NextSecret, "secret", generation, c.SecretSize)

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}, nil
}

// Next is the sending side: the key for the next generation, never cached.
func (hr *hashRatchet) Next(suite CipherSuite) (uint32, keyAndNonce, error) {
	return hr.step(suite)
}

func (hr *hashRatchet) lookup(generation uint32) (int, bool) {
	i := sort.Search(len(hr.Cache), func(i int) bool { return hr.Cache[i].Generation >= generation })
	return i, i < len(hr.Cache) && hr.Cache[i].Generation == generation
}

// Get is the receiving side.  The returned key stays cached until Erase.
func (hr *hashRatchet) Get(suite CipherSuite, generation uint32, window, maxForward uint32) (keyAndNonce, error) {
	if i, ok := hr.lookup(generation); ok {
		return hr.Cache[i].Keys.clone(), nil
	}

	if generation < hr.NextGeneration {
		if hr.NextGeneration-generation > window {
			return keyAndNonce{}, protectionErrorf(ErrGenerationTooOld, "sender %d generation %d", hr.Sender, generation)
		}
		return keyAndNonce{}, protectionErrorf(ErrReplay, "sender %d generation %d", hr.Sender, generation)
	}

	if generation-hr.NextGeneration > maxForward {
		return keyAndNonce{}, protectionErrorf(ErrGenerationTooFar, "sender %d generation %d, next %d", hr.Sender, generation, hr.NextGeneration)
	}

	for hr.NextGeneration <= generation {
		g, kn, err := hr.step(suite)
		if err != nil {
			return keyAndNonce{}, err
		}
		hr.Cache = append(hr.Cache, cachedKey{g, kn})
	}

	hr.evict(window)

	i, _ := hr.lookup(generation)
	return hr.Cache[i].Keys.clone(), nil
}

// Drop cached keys that have fallen out of the replay window.
func (hr *hashRatchet) evict(window uint32) {
	keep := hr.Cache[:0]
	for _, entry := range hr.Cache {
		if hr.NextGeneration-entry.Generation > window {
			entry.Keys.zeroize()
			continue
		}
		keep = append(keep, entry)
	}
	hr.Cache = keep
}

func (hr *hashRatchet) Erase(generation uint32) {
	i, ok := hr.lookup(generation)
	if !ok {
		return
	}

	hr.Cache[i].Keys.zeroize()
	hr.Cache = append(hr.Cache[:i], hr.Cache[i+1:]...)
}

func (hr hashRatchet) clone() hashRatchet {
	out := hashRatchet{
		Sender:         hr.Sender,
		NextSecret:     dup(hr.NextSecret),
		NextGeneration: hr.NextGeneration,
		Cache:          make([]cachedKey, len(hr.Cache)),
	}
	for i, entry := range hr.Cache {
		out.Cache[i] = cachedKey{entry.Generation, entry.Keys.clone()}
	}
	return out
}

func (hr *hashRatchet) zeroize() {
	zeroize(hr.NextSecret)
	for _, entry := range hr.Cache {
		entry.Keys.zeroize()
	}
	hr.Cache = nil
}

///
/// Secret tree
///

type treeSecret struct {
	Node   NodeIndex
	Secret []byte `tls:"head=1"`
}

// secretTree hands out one leaf secret per sender, derived down from the
// encryption secret at the root.  Each secret is erased as soon as its
// children are derived.
type secretTree struct {
	Size    LeafCount
	Secrets []treeSecret `tls:"head=4"`
}

func newSecretTree(size LeafCount, encryptionSecret []byte) secretTree {
	return secretTree{
		Size:    size,
		Secrets: []treeSecret{{root(size), dup(encryptionSecret)}},
	}
}

func (st *secretTree) find(n NodeIndex) (int, bool) {
	for i, s := range st.Secrets {
		if s.Node == n {
			return i, true
		}
	}
	return 0, false
}

func (st *secretTree) take(n NodeIndex) []byte {
	i, ok := st.find(n)
	if !ok {
		return nil
	}

	secret := st.Secrets[i].Secret
	st.Secrets = append(st.Secrets[:i], st.Secrets[i+1:]...)
	return secret
}

// Get returns the leaf secret for sender, or nil if it was already taken.
func (st *secretTree) Get(suite CipherSuite, sender LeafIndex) []byte {
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, st.Size)...)

	curr := -1
	for i, node := range d {
		if _, ok := st.find(node); ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil
	}

	// Derive down
	secretSize := suite.Constants().SecretSize
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		secret := st.take(node)
		st.Secrets = append(st.Secrets,
			treeSecret{left(node), suite.expandWithLabel(secret, "tree", []byte("left"), secretSize)},
			treeSecret{right(node, st.Size), suite.expandWithLabel(secret, "tree", []byte("right"), secretSize)},
		)
		zeroize(secret)
	}

	return st.take(senderNode)
}

func (st secretTree) clone() secretTree {
	out := secretTree{Size: st.Size, Secrets: make([]treeSecret, len(st.Secrets))}
	for i, s := range st.Secrets {
		out.Secrets[i] = treeSecret{s.Node, dup(s.Secret)}
	}
	return out
}

func (st *secretTree) zeroize() {
	for _, s := range st.Secrets {
		zeroize(s.Secret)
	}
	st.Secrets = nil
}

///
/// Key schedule epoch
///

type ratchetType uint8

const (
	ratchetHandshake   ratchetType = 1
	ratchetApplication ratchetType = 2
)

func (rt ratchetType) label() string {
	if rt == ratchetHandshake {
		return "handshake"
	}
	return "application"
}

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=4"`

	EpochSecret        []byte `tls:"head=1"`
	SenderDataSecret   []byte `tls:"head=1"`
	EncryptionSecret   []byte `tls:"head=1"`
	ExporterSecret     []byte `tls:"head=1"`
	EpochAuthenticator []byte `tls:"head=1"`
	ExternalSecret     []byte `tls:"head=1"`
	ConfirmationKey    []byte `tls:"head=1"`
	MembershipKey      []byte `tls:"head=1"`
	ResumptionPSK      []byte `tls:"head=1"`
	InitSecret         []byte `tls:"head=1"`

	Tree                secretTree
	HandshakeRatchets   []hashRatchet `tls:"head=4"`
	ApplicationRatchets []hashRatchet `tls:"head=4"`

	ReplayWindow uint32
	MaxForward   uint32
}

func newKeyScheduleEpoch(suite CipherSuite, size LeafCount, epochSecret, context []byte, window, maxForward uint32) *keyScheduleEpoch {
	encryptionSecret := suite.deriveSecret(epochSecret, "encryption")

	return &keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),

		EpochSecret:        dup(epochSecret),
		SenderDataSecret:   suite.deriveSecret(epochSecret, "sender data"),
		EncryptionSecret:   encryptionSecret,
		ExporterSecret:     suite.deriveSecret(epochSecret, "exporter"),
		EpochAuthenticator: suite.deriveSecret(epochSecret, "authentication"),
		ExternalSecret:     suite.deriveSecret(epochSecret, "external"),
		ConfirmationKey:    suite.deriveSecret(epochSecret, "confirm"),
		MembershipKey:      suite.deriveSecret(epochSecret, "membership"),
		ResumptionPSK:      suite.deriveSecret(epochSecret, "resumption"),
		InitSecret:         suite.deriveSecret(epochSecret, "init"),

		Tree:                newSecretTree(size, encryptionSecret),
		HandshakeRatchets:   []hashRatchet{},
		ApplicationRatchets: []hashRatchet{},

		ReplayWindow: window,
		MaxForward:   maxForward,
	}
}

// joinerSecret is the secret shared with new members through the Welcome.
func (kse *keyScheduleEpoch) joinerSecret(commitSecret, context []byte) []byte {
	prk := kse.Suite.hkdfExtract(kse.InitSecret, commitSecret)
	defer zeroize(prk)
	return kse.Suite.expandWithLabel(prk, "joiner", context, kse.Suite.Constants().SecretSize)
}

// Next advances the key schedule with the commit secret and the new group
// context, returning the next epoch and the joiner secret for the Welcome.
func (kse *keyScheduleEpoch) Next(size LeafCount, pskSecret, commitSecret, context []byte) (*keyScheduleEpoch, []byte) {
	joiner := kse.joinerSecret(commitSecret, context)
	return keyScheduleFromJoiner(kse.Suite, size, joiner, pskSecret, context, kse.ReplayWindow, kse.MaxForward), joiner
}

func memberSecret(suite CipherSuite, joinerSecret, pskSecret []byte) []byte {
	if len(pskSecret) == 0 {
		pskSecret = suite.zero()
	}
	return suite.hkdfExtract(joinerSecret, pskSecret)
}

func keyScheduleFromJoiner(suite CipherSuite, size LeafCount, joinerSecret, pskSecret, context []byte, window, maxForward uint32) *keyScheduleEpoch {
	member := memberSecret(suite, joinerSecret, pskSecret)
	defer zeroize(member)

	epochSecret := suite.expandWithLabel(member, "epoch", context, suite.Constants().SecretSize)
	defer zeroize(epochSecret)

	return newKeyScheduleEpoch(suite, size, epochSecret, context, window, maxForward)
}

// welcomeKeyAndNonce protects the GroupInfo inside a Welcome.
func welcomeKeyAndNonce(suite CipherSuite, joinerSecret, pskSecret []byte) keyAndNonce {
	member := memberSecret(suite, joinerSecret, pskSecret)
	defer zeroize(member)

	welcomeSecret := suite.deriveSecret(member, "welcome")
	defer zeroize(welcomeSecret)

	c := suite.Constants()
	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", []byte{}, c.KeySize),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", []byte{}, c.NonceSize),
	}
}

func (kse *keyScheduleEpoch) ratchets(rt ratchetType) *[]hashRatchet {
	if rt == ratchetHandshake {
		return &kse.HandshakeRatchets
	}
	return &kse.ApplicationRatchets
}

// ratchet returns the sender's ratchet, creating both of the sender's
// ratchets from the secret tree on first use.
func (kse *keyScheduleEpoch) ratchet(rt ratchetType, sender LeafIndex) (*hashRatchet, error) {
	list := kse.ratchets(rt)
	for i := range *list {
		if (*list)[i].Sender == sender {
			return &(*list)[i], nil
		}
	}

	if LeafCount(sender) >= kse.Tree.Size {
		return nil, protectionErrorf(ErrUnknownSender, "leaf %d", sender)
	}

	leafSecret := kse.Tree.Get(kse.Suite, sender)
	if leafSecret == nil {
		return nil, fmt.Errorf("mls.key-schedule: leaf secret for %d already consumed", sender)
	}
	defer zeroize(leafSecret)

	secretSize := kse.Suite.Constants().SecretSize
	for _, t := range []ratchetType{ratchetHandshake, ratchetApplication} {
		base := kse.Suite.expandWithLabel(leafSecret, t.label(), []byte{}, secretSize)
		l := kse.ratchets(t)
		*l = append(*l, newHashRatchet(sender, base))
	}

	list = kse.ratchets(rt)
	return &(*list)[len(*list)-1], nil
}

func (kse *keyScheduleEpoch) NextKey(rt ratchetType, sender LeafIndex) (uint32, keyAndNonce, error) {
	r, err := kse.ratchet(rt, sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	return r.Next(kse.Suite)
}

// GetKey looks up a receive key without consuming it.  The ratchet's state
// is committed only by Consume, so a message that fails verification leaves
// no trace.
func (kse *keyScheduleEpoch) GetKey(rt ratchetType, sender LeafIndex, generation uint32) (keyAndNonce, *hashRatchet, error) {
	r, err := kse.ratchet(rt, sender)
	if err != nil {
		return keyAndNonce{}, nil, err
	}

	next := r.clone()
	kn, err := next.Get(kse.Suite, generation, kse.ReplayWindow, kse.MaxForward)
	if err != nil {
		next.zeroize()
		return keyAndNonce{}, nil, err
	}
	return kn, &next, nil
}

// Consume installs the ratchet returned by GetKey with the generation erased.
func (kse *keyScheduleEpoch) Consume(rt ratchetType, next *hashRatchet, generation uint32) {
	next.Erase(generation)

	list := kse.ratchets(rt)
	for i := range *list {
		if (*list)[i].Sender == next.Sender {
			(*list)[i].zeroize()
			(*list)[i] = *next
			return
		}
	}
	*list = append(*list, *next)
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) ([]byte, error) {
	if keyLength < 0 || keyLength > kse.Suite.maxExpandLength() {
		return nil, fmt.Errorf("mls.exporter: %w: %d, limit %d", ErrExportLength, keyLength, kse.Suite.maxExpandLength())
	}
	if len(label) > maxLabelLength {
		return nil, fmt.Errorf("mls.exporter: %w: %d bytes", ErrExportLabel, len(label))
	}

	secret := kse.Suite.deriveSecret(kse.ExporterSecret, label)
	defer zeroize(secret)
	return kse.Suite.expandWithLabel(secret, "exported", kse.Suite.Digest(context), keyLength), nil
}

func (kse *keyScheduleEpoch) clone() *keyScheduleEpoch {
	out := &keyScheduleEpoch{
		Suite:        kse.Suite,
		GroupContext: dup(kse.GroupContext),

		EpochSecret:        dup(kse.EpochSecret),
		SenderDataSecret:   dup(kse.SenderDataSecret),
		EncryptionSecret:   dup(kse.EncryptionSecret),
		ExporterSecret:     dup(kse.ExporterSecret),
		EpochAuthenticator: dup(kse.EpochAuthenticator),
		ExternalSecret:     dup(kse.ExternalSecret),
		ConfirmationKey:    dup(kse.ConfirmationKey),
		MembershipKey:      dup(kse.MembershipKey),
		ResumptionPSK:      dup(kse.ResumptionPSK),
		InitSecret:         dup(kse.InitSecret),

		Tree:                kse.Tree.clone(),
		HandshakeRatchets:   make([]hashRatchet, len(kse.HandshakeRatchets)),
		ApplicationRatchets: make([]hashRatchet, len(kse.ApplicationRatchets)),

		ReplayWindow: kse.ReplayWindow,
		MaxForward:   kse.MaxForward,
	}

	for i, r := range kse.HandshakeRatchets {
		out.HandshakeRatchets[i] = r.clone()
	}
	for i, r := range kse.ApplicationRatchets {
		out.ApplicationRatchets[i] = r.clone()
	}
	return out
}

// retained is what is kept of an epoch after the group moves past it: the
// secret tree and ratchets for reading late messages, and the membership key
// for authenticating late handshake messages.
func (kse *keyScheduleEpoch) retained() *keyScheduleEpoch {
	out := kse.clone()
	for _, s := range []*[]byte{
		&out.EpochSecret, &out.SenderDataSecret, &out.EncryptionSecret,
		&out.ExporterSecret, &out.EpochAuthenticator, &out.ExternalSecret,
		&out.ConfirmationKey, &out.ResumptionPSK, &out.InitSecret,
	} {
		zeroize(*s)
		*s = []byte{}
	}
	return out
}

// erase zeroizes every secret of the epoch.  The epoch is unusable after.
func (kse *keyScheduleEpoch) erase() {
	for _, s := range [][]byte{
		kse.EpochSecret, kse.SenderDataSecret, kse.EncryptionSecret,
		kse.ExporterSecret, kse.EpochAuthenticator, kse.ExternalSecret,
		kse.ConfirmationKey, kse.MembershipKey, kse.ResumptionPSK, kse.InitSecret,
	} {
		zeroize(s)
	}

	kse.Tree.zeroize()
	for i := range kse.HandshakeRatchets {
		kse.HandshakeRatchets[i].zeroize()
	}
	for i := range kse.ApplicationRatchets {
		kse.ApplicationRatchets[i].zeroize()
	}
	kse.HandshakeRatchets = nil
	kse.ApplicationRatchets = nil
}

///
/// Pre-shared keys
///

type PSKType uint8

const (
	PSKTypeExternal   PSKType = 1
	PSKTypeResumption PSKType = 2
)

func (t PSKType) ValidForTLS() error {
	return validateEnum(t, PSKTypeExternal, PSKTypeResumption)
}

// struct {
//     PSKType psktype;
//     select (PreSharedKeyID.psktype) {
//         case external:   opaque psk_id<V>;
//         case resumption: opaque psk_group_id<V>; uint64 psk_epoch;
//     };
//     opaque psk_nonce<V>;
// } PreSharedKeyID;
//
// Both arms are always encoded; the unused one is empty.
type PreSharedKeyID struct {
	PSKType    PSKType
	PSKID      []byte `tls:"head=2"`
	PSKGroupID []byte `tls:"head=1"`
	PSKEpoch   uint64
	PSKNonce   []byte `tls:"head=1"`
}

func (id PreSharedKeyID) key() string {
	data, err := syntax.Marshal(struct {
		PSKType    PSKType
		PSKID      []byte `tls:"head=2"`
		PSKGroupID []byte `tls:"head=1"`
		PSKEpoch   uint64
	}{id.PSKType, id.PSKID, id.PSKGroupID, id.PSKEpoch})
	if err != nil {
		panic(fmt.Errorf("mls.key-schedule: psk id marshal failure %v", err))
	}
	return string(data)
}

type pskLabel struct {
	ID    PreSharedKeyID
	Index uint16
	Count uint16
}

// pskSecret chains the PSKs in order into one secret.  No PSKs yields the
// all-zero secret.
func pskSecret(suite CipherSuite, ids []PreSharedKeyID, values [][]byte) ([]byte, error) {
	secretSize := suite.Constants().SecretSize
	out := suite.zero()
	if len(ids) != len(values) {
		return nil, fmt.Errorf("mls.key-schedule: %d psk ids for %d values", len(ids), len(values))
	}

	for i, id := range ids {
		label, err := syntax.Marshal(pskLabel{id, uint16(i), uint16(len(ids))})
		if err != nil {
			return nil, err
		}

		extracted := suite.hkdfExtract(suite.zero(), values[i])
		input := suite.expandWithLabel(extracted, "derived psk", label, secretSize)
		next := suite.hkdfExtract(input, out)

		zeroize(extracted)
		zeroize(input)
		zeroize(out)
		out = next
	}

	return out, nil
}
