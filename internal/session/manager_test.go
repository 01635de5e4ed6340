package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee_core/internal/model"
	"e2ee_core/internal/protocol/doubleratchet"
	"e2ee_core/internal/registry"
	"e2ee_core/internal/session"
)

// memDirectory stands in for the Mongo-backed directory: it hands out each
// one-time prekey at most once across fetches.
type memDirectory struct {
	mu      sync.Mutex
	bundles map[string]*model.PrekeyBundle
	fetches int32
}

func newMemDirectory() *memDirectory {
	return &memDirectory{bundles: make(map[string]*model.PrekeyBundle)}
}

// Publish mirrors the mongo repo: key material is replaced, the one-time
// prekey pool is append-only.
func (d *memDirectory) Publish(_ context.Context, bundle *model.PrekeyBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	merged := *bundle
	if existing, ok := d.bundles[bundle.UserID]; ok {
		merged.OneTimePrekeys = append(append([]model.OneTimePrekeyPublic(nil),
			existing.OneTimePrekeys...), bundle.OneTimePrekeys...)
	}
	d.bundles[bundle.UserID] = &merged
	return nil
}

func (d *memDirectory) Fetch(_ context.Context, userID string) (*model.PrekeyBundle, error) {
	atomic.AddInt32(&d.fetches, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.bundles[userID]
	if !ok {
		return nil, errors.New("unknown user")
	}
	out := *stored
	out.OneTimePrekeys = nil
	if len(stored.OneTimePrekeys) > 0 {
		out.OneTimePrekeys = stored.OneTimePrekeys[:1]
		stored.OneTimePrekeys = stored.OneTimePrekeys[1:]
	}
	return &out, nil
}

func newPeer(t *testing.T, name string, dir *memDirectory, prekeys int) (*registry.Registry, *session.Manager) {
	t.Helper()
	reg := registry.New(name)
	_, err := reg.GenerateIdentity()
	require.NoError(t, err)
	_, err = reg.GenerateSignedPrekey()
	require.NoError(t, err)
	if prekeys > 0 {
		_, err = reg.GenerateOneTimePrekeys(prekeys)
		require.NoError(t, err)
	}
	bundle, err := reg.PublishBundle()
	require.NoError(t, err)
	require.NoError(t, dir.Publish(context.Background(), bundle))
	return reg, session.NewManager(reg, dir)
}

func TestEstablishAcceptRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 3)
	_, bob := newPeer(t, "bob", dir, 3)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, est.Handshake)

	acc, err := bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)

	b := doubleratchet.Binding{MessageID: "m-1", ChatID: "c-1", SenderID: "alice"}
	env, err := est.Session.Encrypt([]byte("hello bob"), b)
	require.NoError(t, err)
	got, err := acc.Session.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(got))

	b = doubleratchet.Binding{MessageID: "m-2", ChatID: "c-1", SenderID: "bob"}
	env, err = acc.Session.Encrypt([]byte("hello alice"), b)
	require.NoError(t, err)
	got, err = est.Session.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello alice", string(got))
}

func TestEstablishCollapsesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	newPeer(t, "bob", dir, 5)

	const callers = 10
	results := make([]*session.Established, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = alice.Establish(ctx, "bob")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dir.fetches))
}

func TestAcceptIdempotentOnDuplicateHandshake(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	_, bob := newPeer(t, "bob", dir, 2)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)

	first, err := bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)
	second, err := bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAcceptCollapsesConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	_, bob := newPeer(t, "bob", dir, 2)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, est.Handshake.OneTimePrekeyID)

	// Concurrent accepts of the identical handshake must all resolve to the
	// one committed session; none may fail on the consumed prekey.
	const callers = 8
	results := make([]*session.Established, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = bob.Accept(ctx, "alice", est.Handshake)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestAcceptDestroysCommittedPrekey(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	bobReg, bob := newPeer(t, "bob", dir, 2)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, est.Handshake.OneTimePrekeyID)
	id := *est.Handshake.OneTimePrekeyID

	_, err = bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)

	// Once the session committed the prekey's private half is destroyed, not
	// merely flagged; release cannot bring it back.
	_, err = bobReg.ConsumeOneTimePrekey(id)
	require.ErrorIs(t, err, registry.ErrPrekeyExhausted)
	bobReg.ReleaseOneTimePrekey(id)
	_, err = bobReg.ConsumeOneTimePrekey(id)
	assert.ErrorIs(t, err, registry.ErrPrekeyExhausted)
}

func TestAcceptRejectsReusedPrekey(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	_, bob := newPeer(t, "bob", dir, 2)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	_, err = bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)

	// A different handshake naming the already-consumed prekey is rejected.
	replay := *est.Handshake
	replay.EphemeralKey[0] ^= 0xff
	_, err = bob.Accept(ctx, "alice", &replay)
	assert.ErrorIs(t, err, registry.ErrPrekeyExhausted)
}

func TestAcceptAbortReleasesPrekey(t *testing.T) {
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	bobReg, bob := newPeer(t, "bob", dir, 1)

	est, err := alice.Establish(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, est.Handshake.OneTimePrekeyID)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bob.Accept(cancelled, "alice", est.Handshake)
	require.ErrorIs(t, err, context.Canceled)

	// The aborted handshake returned the prekey to the pool.
	_, err = bobReg.ConsumeOneTimePrekey(*est.Handshake.OneTimePrekeyID)
	assert.NoError(t, err)
}

func TestEstablishRefusesCompromisedSession(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	newPeer(t, "bob", dir, 2)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)

	est.Session.MarkCompromised()
	_, err = alice.Establish(ctx, "bob")
	assert.ErrorIs(t, err, session.ErrSessionCompromised)
}

func TestRecoverBuildsUnrelatedSession(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 2)
	_, bob := newPeer(t, "bob", dir, 4)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	acc, err := bob.Accept(ctx, "alice", est.Handshake)
	require.NoError(t, err)
	oldSession := est.Session

	recovered, err := alice.Recover(ctx, "bob")
	require.NoError(t, err)
	require.NotSame(t, est, recovered)
	assert.Equal(t, doubleratchet.StateCompromised, oldSession.State())

	// The destroyed session can no longer touch anything.
	b := doubleratchet.Binding{MessageID: "m-x", ChatID: "c-1", SenderID: "alice"}
	_, err = oldSession.Encrypt([]byte("stale"), b)
	assert.ErrorIs(t, err, doubleratchet.ErrCompromised)

	// The peer accepts the fresh handshake and traffic flows again.
	acc2, err := bob.Accept(ctx, "alice", recovered.Handshake)
	require.NoError(t, err)
	require.NotSame(t, acc, acc2)

	env, err := recovered.Session.Encrypt([]byte("back online"), b)
	require.NoError(t, err)
	got, err := acc2.Session.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "back online", string(got))
}

func TestTeardownForgetsSession(t *testing.T) {
	ctx := context.Background()
	dir := newMemDirectory()
	_, alice := newPeer(t, "alice", dir, 1)
	newPeer(t, "bob", dir, 3)

	est, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)

	alice.Teardown("bob")
	assert.Equal(t, doubleratchet.StateCompromised, est.Session.State())
	_, ok := alice.Session("bob")
	assert.False(t, ok)

	// Establishing again builds a brand new session.
	fresh, err := alice.Establish(ctx, "bob")
	require.NoError(t, err)
	assert.NotSame(t, est, fresh)
}
