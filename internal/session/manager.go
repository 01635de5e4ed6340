package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"e2ee_core/internal/cryptographic/dh"
	"e2ee_core/internal/model"
	"e2ee_core/internal/protocol/doubleratchet"
	"e2ee_core/internal/protocol/x3dh"
	"e2ee_core/internal/registry"
	"e2ee_core/internal/utils/log"
)

// ErrSessionCompromised is returned when a peer's session is in the terminal
// compromised state; the caller must Recover before talking to that peer.
var ErrSessionCompromised = errors.New("session is compromised; recover first")

// Directory is the external key-publication service. Its storage and
// consistency model are its own; fetched bundles must carry a verifiable
// signed-prekey signature and never hand out a one-time prekey twice.
type Directory interface {
	Publish(ctx context.Context, bundle *model.PrekeyBundle) error
	Fetch(ctx context.Context, userID string) (*model.PrekeyBundle, error)
}

// Established pairs a live ratchet session with the handshake message the
// initiator must deliver alongside its first ciphertext. Responder-side
// sessions have no outgoing handshake.
type Established struct {
	Session   *doubleratchet.Session
	Handshake *x3dh.HandshakeMessage

	handshakeDigest [32]byte
	consumedPrekey  *uint32
}

// Manager owns one device's sessions, keyed by peer. Concurrent
// establishment attempts for the same peer collapse into one in-flight
// handshake; later callers await its result.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Established

	registry  *registry.Registry
	directory Directory
	flight    singleflight.Group

	sessionOpts []doubleratchet.Option
}

func NewManager(reg *registry.Registry, directory Directory, opts ...doubleratchet.Option) *Manager {
	return &Manager{
		sessions:    make(map[string]*Established),
		registry:    reg,
		directory:   directory,
		sessionOpts: opts,
	}
}

// Session returns the live session for peer, if any.
func (m *Manager) Session(peer string) (*doubleratchet.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[peer]
	if !ok {
		return nil, false
	}
	return e.Session, true
}

// Establish runs the initiator side of a handshake against peer's published
// bundle. An existing healthy session is returned as-is; duplicate
// concurrent calls share one in-flight handshake.
func (m *Manager) Establish(ctx context.Context, peer string) (*Established, error) {
	m.mu.Lock()
	if e, ok := m.sessions[peer]; ok {
		state := e.Session.State()
		m.mu.Unlock()
		if state == doubleratchet.StateCompromised {
			return nil, ErrSessionCompromised
		}
		return e, nil
	}
	m.mu.Unlock()

	v, err, _ := m.flight.Do("establish:"+peer, func() (interface{}, error) {
		return m.establish(ctx, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Established), nil
}

func (m *Manager) establish(ctx context.Context, peer string) (*Established, error) {
	// A racing caller may have committed while we waited on the flight.
	m.mu.Lock()
	if e, ok := m.sessions[peer]; ok && e.Session.State() == doubleratchet.StateEstablished {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	identity, err := m.registry.Identity()
	if err != nil {
		return nil, err
	}
	bundle, err := m.directory.Fetch(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}

	result, err := x3dh.Initiate(identity, bundle)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess := doubleratchet.NewInitiatorSession(
		result.Keys.RootKey,
		result.Keys.SendingChainKey,
		result.Keys.ReceivingChainKey,
		result.RatchetPriv,
		result.RatchetPub,
		result.RemoteSignedPrekey,
		m.sessionOpts...,
	)
	e := &Established{Session: sess, Handshake: &result.Message}

	m.mu.Lock()
	m.sessions[peer] = e
	m.mu.Unlock()

	log.Info("session established",
		zap.String("peer", peer),
		zap.Bool("one_time_prekey", result.Message.OneTimePrekeyID != nil))
	return e, nil
}

// Accept runs the responder side for an inbound handshake message. One-time
// prekey consumption and session commit are coupled: if anything fails, or
// the context is cancelled, the prekey returns to the pool. A handshake
// identical to the one behind the committed session for this peer is
// answered idempotently with that session; concurrent duplicates collapse
// into one in-flight acceptance the way Establish collapses handshakes.
func (m *Manager) Accept(ctx context.Context, peer string, msg *x3dh.HandshakeMessage) (*Established, error) {
	digest := digestHandshake(msg)
	if e, ok := m.committedFor(peer, digest); ok {
		return e, nil
	}

	v, err, _ := m.flight.Do("accept:"+peer+":"+hex.EncodeToString(digest[:]), func() (interface{}, error) {
		return m.accept(ctx, peer, msg, digest)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Established), nil
}

// committedFor returns the committed session for peer if it was built from
// the handshake with the given digest.
func (m *Manager) committedFor(peer string, digest [32]byte) (*Established, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[peer]
	if ok && e.handshakeDigest == digest && e.Session.State() == doubleratchet.StateEstablished {
		return e, true
	}
	return nil, false
}

func (m *Manager) accept(ctx context.Context, peer string, msg *x3dh.HandshakeMessage, digest [32]byte) (*Established, error) {
	// A racing duplicate may have committed while we waited on the flight.
	if e, ok := m.committedFor(peer, digest); ok {
		return e, nil
	}

	var otkPriv *[32]byte
	committed := false
	if msg.OneTimePrekeyID != nil {
		priv, err := m.registry.ConsumeOneTimePrekey(*msg.OneTimePrekeyID)
		if err != nil {
			return nil, fmt.Errorf("one-time prekey %d: %w", *msg.OneTimePrekeyID, err)
		}
		otkPriv = &priv
		defer func() {
			if !committed {
				m.registry.ReleaseOneTimePrekey(*msg.OneTimePrekeyID)
			}
		}()
	}

	keys, err := x3dh.Respond(m.registry, msg, otkPriv)
	if err != nil {
		return nil, err
	}
	spkPriv, err := m.registry.SignedPrekeyPrivate(msg.SignedPrekeyID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess := doubleratchet.NewResponderSession(
		keys.RootKey,
		keys.SendingChainKey,
		keys.ReceivingChainKey,
		spkPriv,
		dh.X25519Public(spkPriv),
		msg.InitialRatchetKey,
		m.sessionOpts...,
	)
	e := &Established{
		Session:         sess,
		handshakeDigest: digest,
		consumedPrekey:  msg.OneTimePrekeyID,
	}

	m.mu.Lock()
	m.sessions[peer] = e
	committed = true
	m.mu.Unlock()

	// The committed session is the only remaining user of the prekey's DH
	// output; the private half must not outlive the handshake.
	if msg.OneTimePrekeyID != nil {
		m.registry.DeleteOneTimePrekey(*msg.OneTimePrekeyID)
	}

	log.Info("session accepted", zap.String("peer", peer))
	return e, nil
}

// Teardown destroys the session for peer, zeroizing all derived material.
func (m *Manager) Teardown(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[peer]; ok {
		e.Session.MarkCompromised()
		delete(m.sessions, peer)
	}
}

// Recover destroys the compromised session for peer, regenerates the
// device's identity material, republishes the bundle and establishes a new
// session unrelated to the destroyed one. Recovery is device-global even
// though it is triggered for one peer: the fresh identity invalidates the
// signed-prekey signatures in every peer's view of this device, which is why
// the bundle is republished before any new handshake runs.
func (m *Manager) Recover(ctx context.Context, peer string) (*Established, error) {
	m.mu.Lock()
	if e, ok := m.sessions[peer]; ok {
		e.Session.MarkCompromised()
		delete(m.sessions, peer)
	}
	m.mu.Unlock()

	if _, err := m.registry.GenerateIdentity(); err != nil {
		return nil, err
	}
	if _, err := m.registry.GenerateSignedPrekey(); err != nil {
		return nil, err
	}
	bundle, err := m.registry.PublishBundle()
	if err != nil {
		return nil, err
	}
	if err := m.directory.Publish(ctx, bundle); err != nil {
		return nil, fmt.Errorf("republish bundle: %w", err)
	}

	log.Info("session recovery: identity regenerated", zap.String("peer", peer))
	return m.Establish(ctx, peer)
}

func digestHandshake(msg *x3dh.HandshakeMessage) [32]byte {
	h := sha256.New()
	h.Write(msg.IdentityKey[:])
	h.Write(msg.EphemeralKey[:])
	h.Write(msg.InitialRatchetKey[:])
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.SignedPrekeyID)
	h.Write(b[:])
	if msg.OneTimePrekeyID != nil {
		binary.BigEndian.PutUint32(b[:], *msg.OneTimePrekeyID)
		h.Write(b[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
