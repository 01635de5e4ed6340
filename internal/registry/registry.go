package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"e2ee_core/internal/cryptographic/dh"
	"e2ee_core/internal/cryptographic/memzero"
	"e2ee_core/internal/cryptographic/signature"
	"e2ee_core/internal/model"
)

const (
	// SignedPrekeyRotationInterval is how long a signed prekey stays current.
	SignedPrekeyRotationInterval = 7 * 24 * time.Hour

	// SignedPrekeyGraceWindow keeps the previous signed prekey usable for
	// in-flight handshakes after a rotation.
	SignedPrekeyGraceWindow = 24 * time.Hour
)

var (
	// ErrPrekeyExhausted is returned when a one-time prekey id is unknown or
	// already consumed. Handshakes degrade to the 3-DH variant.
	ErrPrekeyExhausted = errors.New("one-time prekey exhausted")

	// ErrUnknownSignedPrekey is returned when a handshake references a signed
	// prekey that has been retired past its grace window.
	ErrUnknownSignedPrekey = errors.New("unknown or retired signed prekey")

	// ErrNoIdentity is returned when key material is requested before
	// GenerateIdentity has run.
	ErrNoIdentity = errors.New("identity not generated")
)

type oneTimeEntry struct {
	used      uint32 // atomic; 0 = available, 1 = consumed
	key       model.OneTimePrekey
	published bool // guarded by Registry.mu; set on first bundle publication
}

// Registry owns one device's long-term identity, its signed prekey (current
// plus a grace-window previous) and the pool of one-time prekeys. It is an
// injected component, never a singleton.
type Registry struct {
	mu sync.RWMutex

	userID   string
	identity *model.IdentityKeyPair

	current          *model.SignedPrekey
	currentCreatedAt time.Time
	previous         *model.SignedPrekey
	previousRetireAt time.Time

	oneTime      map[uint32]*oneTimeEntry
	nextPrekeyID uint32
	version      uint32

	now func() time.Time
}

func New(userID string) *Registry {
	return &Registry{
		userID:  userID,
		oneTime: make(map[uint32]*oneTimeEntry),
		now:     time.Now,
	}
}

// GenerateIdentity creates the device identity key pairs. Any previous
// identity is overwritten; callers re-register the bundle afterwards.
func (r *Registry) GenerateIdentity() (*model.IdentityKeyPair, error) {
	dhPriv, dhPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity != nil {
		memzero.Zero(r.identity.DHPriv[:])
		memzero.Zero(r.identity.SigningPriv)
	}
	r.identity = &model.IdentityKeyPair{
		DHPriv:      dhPriv,
		DHPub:       dhPub,
		SigningPriv: sigPriv,
		SigningPub:  sigPub,
	}
	return r.identity, nil
}

// Identity returns the current identity key pair.
func (r *Registry) Identity() (*model.IdentityKeyPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil, ErrNoIdentity
	}
	return r.identity, nil
}

// GenerateSignedPrekey mints a new signed prekey and demotes the current one
// to the grace window. The prekey retired out of the grace window has its
// private half overwritten.
func (r *Registry) GenerateSignedPrekey() (*model.SignedPrekey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generateSignedPrekeyLocked()
}

func (r *Registry) generateSignedPrekeyLocked() (*model.SignedPrekey, error) {
	if r.identity == nil {
		return nil, ErrNoIdentity
	}

	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	r.retirePreviousLocked()
	if r.current != nil {
		r.previous = r.current
		r.previousRetireAt = r.now().Add(SignedPrekeyGraceWindow)
	}

	r.nextPrekeyID++
	r.current = &model.SignedPrekey{
		ID:        r.nextPrekeyID,
		Priv:      priv,
		Pub:       pub,
		Signature: signature.Sign(r.identity.SigningPriv, pub[:]),
	}
	r.currentCreatedAt = r.now()
	r.version++
	return r.current, nil
}

// RotateIfDue rotates the signed prekey once its interval has elapsed.
func (r *Registry) RotateIfDue() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.now().Sub(r.currentCreatedAt) < SignedPrekeyRotationInterval {
		return nil
	}
	_, err := r.generateSignedPrekeyLocked()
	return err
}

// GenerateOneTimePrekeys adds count prekeys to the pool and returns their ids.
func (r *Registry) GenerateOneTimePrekeys(count int) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		r.nextPrekeyID++
		id := r.nextPrekeyID
		r.oneTime[id] = &oneTimeEntry{
			key: model.OneTimePrekey{ID: id, Priv: priv, Pub: pub},
		}
		ids = append(ids, id)
	}
	if count > 0 {
		r.version++
	}
	return ids, nil
}

// AvailableOneTimePrekeys counts unconsumed prekeys in the pool.
func (r *Registry) AvailableOneTimePrekeys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	available := 0
	for _, e := range r.oneTime {
		if atomic.LoadUint32(&e.used) == 0 {
			available++
		}
	}
	return available
}

// RefillOneTimePrekeys tops the pool of unconsumed prekeys back up to target.
func (r *Registry) RefillOneTimePrekeys(target int) error {
	available := r.AvailableOneTimePrekeys()
	if available >= target {
		return nil
	}
	_, err := r.GenerateOneTimePrekeys(target - available)
	return err
}

// PublishBundle snapshots the public half of the registry for the directory.
// One-time prekeys are included only on their first publication: the
// directory pool is append-only, so a prekey it may already have handed out
// is never re-sent.
func (r *Registry) PublishBundle() (*model.PrekeyBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity == nil {
		return nil, ErrNoIdentity
	}
	if r.current == nil {
		return nil, fmt.Errorf("publish bundle: %w", ErrUnknownSignedPrekey)
	}

	bundle := &model.PrekeyBundle{
		UserID:                r.userID,
		IdentityKey:           r.identity.DHPub[:],
		SigningKey:            r.identity.SigningPub,
		SignedPrekeyID:        r.current.ID,
		SignedPrekey:          r.current.Pub[:],
		SignedPrekeySignature: r.current.Signature,
		Version:               r.version,
	}
	for _, e := range r.oneTime {
		if e.published || atomic.LoadUint32(&e.used) != 0 {
			continue
		}
		e.published = true
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, model.OneTimePrekeyPublic{
			ID:  e.key.ID,
			Pub: e.key.Pub[:],
		})
	}
	return bundle, nil
}

// ConsumeOneTimePrekey marks id used and returns its private half. The
// used flag flips with a compare-and-swap, so exactly one of any number of
// concurrent consumers succeeds.
func (r *Registry) ConsumeOneTimePrekey(id uint32) ([32]byte, error) {
	r.mu.RLock()
	entry, ok := r.oneTime[id]
	r.mu.RUnlock()
	if !ok {
		return [32]byte{}, ErrPrekeyExhausted
	}
	if !atomic.CompareAndSwapUint32(&entry.used, 0, 1) {
		return [32]byte{}, ErrPrekeyExhausted
	}
	return entry.key.Priv, nil
}

// ReleaseOneTimePrekey compensates an aborted handshake by returning id to
// the pool. A no-op if the id was never consumed.
func (r *Registry) ReleaseOneTimePrekey(id uint32) {
	r.mu.RLock()
	entry, ok := r.oneTime[id]
	r.mu.RUnlock()
	if ok {
		atomic.CompareAndSwapUint32(&entry.used, 1, 0)
	}
}

// DeleteOneTimePrekey destroys a consumed prekey's private half. Called once
// the session built from it has committed; after that point the key must not
// survive a later registry compromise.
func (r *Registry) DeleteOneTimePrekey(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.oneTime[id]; ok {
		memzero.Zero(entry.key.Priv[:])
		delete(r.oneTime, id)
	}
}

// SignedPrekeyPrivate resolves the private half of a signed prekey by id,
// accepting the current prekey or the previous one while its grace window
// holds.
func (r *Registry) SignedPrekeyPrivate(id uint32) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retirePreviousLocked()

	if r.current != nil && r.current.ID == id {
		return r.current.Priv, nil
	}
	if r.previous != nil && r.previous.ID == id {
		return r.previous.Priv, nil
	}
	return [32]byte{}, ErrUnknownSignedPrekey
}

// retirePreviousLocked discards the previous signed prekey once its grace
// window has passed. Caller holds r.mu.
func (r *Registry) retirePreviousLocked() {
	if r.previous != nil && r.now().After(r.previousRetireAt) {
		memzero.Zero(r.previous.Priv[:])
		r.previous = nil
	}
}
