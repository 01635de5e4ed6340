package doubleratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2ee_core/internal/cryptographic/dh"
	"e2ee_core/internal/cryptographic/encryption"
	"e2ee_core/internal/cryptographic/memzero"
	"e2ee_core/internal/model"
)

const (
	// MaxSkippedKeys bounds the skipped-message-key cache per session.
	MaxSkippedKeys = 1000

	// RotationInterval forces a DH ratchet step after this much time on one
	// sending chain.
	RotationInterval = 24 * time.Hour

	// RotationMessageLimit forces a DH ratchet step after this many messages
	// on one sending chain.
	RotationMessageLimit = 1000
)

var (
	// ErrCompromised is returned for every operation on a session that was
	// marked compromised. Terminal; recovery requires a fresh handshake.
	ErrCompromised = errors.New("session compromised")

	// ErrSkippedKeyCacheExhausted means an incoming message is too far ahead
	// of the receiving chain to bridge within cache bounds.
	ErrSkippedKeyCacheExhausted = errors.New("skipped message key cache exhausted")

	// ErrUninitialized is returned when a session is used before a handshake
	// seeded it.
	ErrUninitialized = errors.New("session not established")
)

// State is the session lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateEstablished
	StateCompromised
)

// Binding carries the delivery context an envelope is authenticated against.
// The Boundary Guard recomputes the same AAD from server-known values.
type Binding struct {
	MessageID string
	ChatID    string
	SenderID  string
}

// Option configures a session at construction.
type Option func(*Session)

// WithAlgorithm selects the AEAD suite for outgoing envelopes.
func WithAlgorithm(alg model.Algorithm) Option {
	return func(s *Session) { s.algorithm = alg }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is one conversation direction-pair's ratchet state. All methods
// serialize on an internal mutex: chain advancement is stateful and
// non-commutative, so only one encrypt or decrypt runs at a time.
type Session struct {
	mu sync.Mutex

	state     State
	algorithm model.Algorithm

	rootKey []byte

	dhsPriv [32]byte // local ratchet key pair
	dhsPub  [32]byte
	dhr     [32]byte // remote ratchet public key

	sendCK []byte
	recvCK []byte
	ns     uint32 // messages sent on the current sending chain
	nr     uint32 // messages received on the current receiving chain
	pn     uint32 // previous sending chain length
	epoch  uint32 // increments on every local DH ratchet step; the envelope key id

	skipped *skippedKeys

	// canStep is true when a DH ratchet step is safe: the root chain only
	// stays in sync if send-side mixes strictly alternate with remote ones.
	canStep       bool
	recvSinceSend bool
	lastStepAt    time.Time

	now func() time.Time
}

func newSession(root, sendCK, recvCK []byte, localPriv, localPub, remotePub [32]byte, canStep bool, opts ...Option) *Session {
	s := &Session{
		state:     StateEstablished,
		algorithm: model.AlgorithmChaCha20Poly1305,
		rootKey:   root,
		dhsPriv:   localPriv,
		dhsPub:    localPub,
		dhr:       remotePub,
		sendCK:    sendCK,
		recvCK:    recvCK,
		epoch:     1,
		skipped:   newSkippedKeys(MaxSkippedKeys),
		canStep:   canStep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastStepAt = s.now()
	return s
}

// NewInitiatorSession builds the initiator's session from handshake output.
// The initiator may not step the DH ratchet until the responder has
// advertised fresh ratchet material.
func NewInitiatorSession(root, sendCK, recvCK []byte, ratchetPriv, ratchetPub, remoteSignedPrekey [32]byte, opts ...Option) *Session {
	return newSession(root, sendCK, recvCK, ratchetPriv, ratchetPub, remoteSignedPrekey, false, opts...)
}

// NewResponderSession builds the responder's session from handshake output.
// The responder's signed prekey pair doubles as its initial ratchet pair;
// the remote key is the initiator's advertised initial ratchet key.
func NewResponderSession(root, sendCK, recvCK []byte, spkPriv, spkPub, remoteRatchetPub [32]byte, opts ...Option) *Session {
	return newSession(root, sendCK, recvCK, spkPriv, spkPub, remoteRatchetPub, true, opts...)
}

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fingerprint returns a short digest of the session's current ratchet public
// keys, for out-of-band comparison.
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := sha256.New()
	h.Write(s.dhsPub[:])
	h.Write(s.dhr[:])
	return hex.EncodeToString(h.Sum(nil)[:10])
}

// headerBytes folds the ratchet header into the sealed AAD so header
// tampering fails authentication, not just guard validation.
func headerBytes(env *model.MessageEnvelope) []byte {
	b := make([]byte, 32+4+4+1+4)
	copy(b[:32], env.RatchetPub[:])
	binary.BigEndian.PutUint32(b[32:36], env.ChainIndex)
	binary.BigEndian.PutUint32(b[36:40], env.PrevChainLen)
	b[40] = byte(env.Algorithm)
	binary.BigEndian.PutUint32(b[41:45], env.KeyID)
	return b
}

func sealAAD(env *model.MessageEnvelope) []byte {
	out := make([]byte, 0, len(env.AAD)+45)
	out = append(out, env.AAD...)
	return append(out, headerBytes(env)...)
}

func (s *Session) rotationDue() bool {
	return s.ns >= RotationMessageLimit || s.now().Sub(s.lastStepAt) >= RotationInterval
}

// stepSending advances the asymmetric ratchet on the sending side: fresh
// local pair, DH with the current remote key, new root and sending chain.
func (s *Session) stepSending() error {
	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(newPriv, s.dhr)
	if err != nil {
		return err
	}
	newRoot, newSendCK, err := KDFRootKey(s.rootKey, shared)
	memzero.Zero(shared)
	if err != nil {
		return err
	}

	memzero.Zero(s.rootKey)
	memzero.Zero(s.sendCK)
	memzero.Zero(s.dhsPriv[:])
	s.rootKey = newRoot
	s.sendCK = newSendCK
	s.dhsPriv, s.dhsPub = newPriv, newPub
	s.pn = s.ns
	s.ns = 0
	s.epoch++
	s.canStep = false
	s.lastStepAt = s.now()
	return nil
}

// Encrypt seals one message, advancing the sending chain by exactly one
// step. A DH ratchet step is taken first when the message direction just
// changed or the rotation policy (24h / 1000 messages) is due, provided a
// step is currently safe.
func (s *Session) Encrypt(plaintext []byte, b Binding) (*model.MessageEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompromised:
		return nil, ErrCompromised
	case StateUninitialized:
		return nil, ErrUninitialized
	}

	if s.canStep && (s.recvSinceSend || s.sendCK == nil || s.rotationDue()) {
		if err := s.stepSending(); err != nil {
			return nil, err
		}
	}
	if s.sendCK == nil {
		return nil, fmt.Errorf("sending chain key missing")
	}

	nextCK, msgKey, err := KDFChainKey(s.sendCK)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(msgKey)
	memzero.Zero(s.sendCK)
	s.sendCK = nextCK

	nonce, err := encryption.NewNonce()
	if err != nil {
		return nil, err
	}

	env := &model.MessageEnvelope{
		Nonce:        nonce,
		RatchetPub:   s.dhsPub,
		ChainIndex:   s.ns,
		PrevChainLen: s.pn,
		Algorithm:    s.algorithm,
		KeyID:        s.epoch,
		AAD:          model.ComputeAAD(b.MessageID, b.ChatID, b.SenderID, s.algorithm, s.epoch),
	}
	env.Ciphertext, env.Tag, err = encryption.Seal(s.algorithm, msgKey, nonce, sealAAD(env), plaintext)
	if err != nil {
		return nil, err
	}

	s.ns++
	s.recvSinceSend = false
	return env, nil
}

// Decrypt opens one envelope. Out-of-order messages are bridged by deriving
// and caching the intermediate keys; a cached key is consumed and evicted
// instead of re-derived. A new remote ratchet key advances the asymmetric
// ratchet, but nothing commits until the envelope authenticates: a forged
// envelope must not desync the root chain or burn receiving-chain state.
func (s *Session) Decrypt(env *model.MessageEnvelope) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompromised:
		return nil, ErrCompromised
	case StateUninitialized:
		return nil, ErrUninitialized
	}

	// A cached key is evicted only after a successful open, so a tampered
	// copy cannot destroy the genuine message's key.
	if msgKey, ok := s.skipped.peek(env.RatchetPub, env.ChainIndex); ok {
		plain, err := encryption.Open(env.Algorithm, msgKey, env.Nonce, sealAAD(env), env.Ciphertext, env.Tag)
		if err != nil {
			return nil, err
		}
		s.skipped.remove(env.RatchetPub, env.ChainIndex)
		s.recvSinceSend = true
		return plain, nil
	}

	// Everything below runs on staged copies of the live state.
	recvCK := bytes.Clone(s.recvCK)
	nr := s.nr
	var pending []pendingSkippedKey
	var newRoot []byte
	stepped := false

	discard := func() {
		memzero.Zero(recvCK)
		memzero.Zero(newRoot)
		for _, p := range pending {
			memzero.Zero(p.key)
		}
	}

	if !bytes.Equal(env.RatchetPub[:], s.dhr[:]) {
		// Stage the tail of the old receiving chain before leaving it.
		if recvCK != nil {
			var err error
			recvCK, nr, pending, err = stageRecvChain(recvCK, nr, s.dhr, env.PrevChainLen, pending)
			if err != nil {
				discard()
				return nil, err
			}
		}
		shared, err := dh.X25519SharedSecret(s.dhsPriv, env.RatchetPub)
		if err != nil {
			discard()
			return nil, err
		}
		var newRecvCK []byte
		newRoot, newRecvCK, err = KDFRootKey(s.rootKey, shared)
		memzero.Zero(shared)
		if err != nil {
			discard()
			return nil, err
		}
		memzero.Zero(recvCK)
		recvCK = newRecvCK
		nr = 0
		stepped = true
	}

	if recvCK == nil {
		return nil, fmt.Errorf("receiving chain key missing")
	}
	var err error
	recvCK, nr, pending, err = stageRecvChain(recvCK, nr, env.RatchetPub, env.ChainIndex, pending)
	if err != nil {
		discard()
		return nil, err
	}

	nextCK, msgKey, err := KDFChainKey(recvCK)
	if err != nil {
		discard()
		return nil, err
	}

	plain, err := encryption.Open(env.Algorithm, msgKey, env.Nonce, sealAAD(env), env.Ciphertext, env.Tag)
	memzero.Zero(msgKey)
	if err != nil {
		memzero.Zero(nextCK)
		discard()
		return nil, err
	}

	// Authenticated: commit the staged state.
	for _, p := range pending {
		s.skipped.put(p.pub, p.index, p.key)
	}
	if stepped {
		memzero.Zero(s.rootKey)
		s.rootKey = newRoot
		s.dhr = env.RatchetPub
		// The remote side advanced; our next send may mix fresh material.
		s.canStep = true
		s.lastStepAt = s.now()
	}
	memzero.Zero(s.recvCK)
	memzero.Zero(recvCK)
	s.recvCK = nextCK
	s.nr = nr + 1
	s.recvSinceSend = true
	return plain, nil
}

// pendingSkippedKey is a message key derived while walking ahead of an
// envelope that has not authenticated yet.
type pendingSkippedKey struct {
	pub   [32]byte
	index uint32
	key   []byte
}

// stageRecvChain walks a receiving chain from nr up to until, collecting the
// intermediate message keys. The caller commits or discards the lot.
func stageRecvChain(ck []byte, nr uint32, pub [32]byte, until uint32, pending []pendingSkippedKey) ([]byte, uint32, []pendingSkippedKey, error) {
	if until <= nr {
		return ck, nr, pending, nil
	}
	if int(until-nr) > MaxSkippedKeys {
		return ck, nr, pending, fmt.Errorf("bridging %d keys: %w", until-nr, ErrSkippedKeyCacheExhausted)
	}
	for nr < until {
		nextCK, msgKey, err := KDFChainKey(ck)
		if err != nil {
			return ck, nr, pending, err
		}
		pending = append(pending, pendingSkippedKey{pub: pub, index: nr, key: msgKey})
		memzero.Zero(ck)
		ck = nextCK
		nr++
	}
	return ck, nr, pending, nil
}

// MarkCompromised destroys all key material held by the session and pins it
// in the terminal Compromised state. Every later operation fails until the
// owner establishes an unrelated replacement session.
func (s *Session) MarkCompromised() {
	s.mu.Lock()
	defer s.mu.Unlock()

	memzero.Zero(s.rootKey)
	memzero.Zero(s.sendCK)
	memzero.Zero(s.recvCK)
	memzero.Zero(s.dhsPriv[:])
	s.rootKey, s.sendCK, s.recvCK = nil, nil, nil
	s.skipped.purge()
	s.state = StateCompromised
}
