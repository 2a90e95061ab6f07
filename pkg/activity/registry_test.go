package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/pkg/containerapi"
)

// fakeDeleter records delete calls and can be told to fail.
type fakeDeleter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDeleter) DeleteContainer(ctx context.Context, username string) containerapi.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, username)
	return containerapi.Outcome{Op: "delete", Username: username, Err: f.err}
}

func (f *fakeDeleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDeleter, *fakeClock) {
	t.Helper()

	deleter := &fakeDeleter{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	r := NewRegistry(deleter)
	r.now = clock.Now
	// Keep the background loop effectively inert; tests drive sweepOnce directly.
	r.SetSweepInterval(time.Hour)
	t.Cleanup(r.Stop)

	return r, deleter, clock
}

func TestRegister_Idempotent(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	r.Register("alice")
	first, ok := r.Lookup("alice")
	require.True(t, ok)

	clock.Advance(5 * time.Minute)
	r.Register("alice")

	second, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())
	assert.True(t, second.LastActive.After(first.LastActive))
}

func TestHeartbeat_SelfHealing(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	r.Heartbeat("ghost")

	rec, ok := r.Lookup("ghost")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), rec.LastActive)
	assert.Equal(t, clock.Now(), rec.ContainerCreatedAt)
}

func TestHeartbeat_BumpsLastActiveOnly(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	r.Register("alice")
	created := clock.Now()

	clock.Advance(10 * time.Minute)
	r.Heartbeat("alice")

	rec, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, created, rec.ContainerCreatedAt)
	assert.Equal(t, created.Add(10*time.Minute), rec.LastActive)
}

func TestSweep_ReclaimsIdleContainer(t *testing.T) {
	r, deleter, clock := newTestRegistry(t)
	r.SetIdleTimeout(30 * time.Minute)

	r.Register("alice")

	// Just inside the window: nothing happens.
	clock.Advance(29 * time.Minute)
	r.sweepOnce()
	assert.Equal(t, 0, deleter.callCount())
	assert.Equal(t, 1, r.Len())

	// Past the window: delete is called and the record removed.
	clock.Advance(2 * time.Minute)
	r.sweepOnce()
	assert.Equal(t, 1, deleter.callCount())
	assert.Equal(t, 0, r.Len())

	// Nothing left to sweep.
	r.sweepOnce()
	assert.Equal(t, 1, deleter.callCount())
}

func TestSweep_FailedDeleteRetriesNextTick(t *testing.T) {
	r, deleter, clock := newTestRegistry(t)
	r.SetIdleTimeout(30 * time.Minute)
	deleter.err = errors.New("backend down")

	r.Register("alice")
	clock.Advance(31 * time.Minute)

	r.sweepOnce()
	assert.Equal(t, 1, deleter.callCount())
	assert.Equal(t, 1, r.Len(), "failed delete must leave the record for retry")

	r.sweepOnce()
	assert.Equal(t, 2, deleter.callCount())

	// Backend recovers; the retry reclaims the record.
	deleter.err = nil
	r.sweepOnce()
	assert.Equal(t, 3, deleter.callCount())
	assert.Equal(t, 0, r.Len())
}

func TestSweep_HeartbeatCancelsReclamation(t *testing.T) {
	r, deleter, clock := newTestRegistry(t)
	r.SetIdleTimeout(30 * time.Minute)

	r.Register("alice")
	clock.Advance(29 * time.Minute)
	r.Heartbeat("alice")

	clock.Advance(2 * time.Minute)
	// 31 minutes since registration, but only 2 since the heartbeat.
	r.sweepOnce()
	assert.Equal(t, 0, deleter.callCount())
	assert.Equal(t, 1, r.Len())

	// No heartbeat for another 31 minutes: reclaimed.
	clock.Advance(31 * time.Minute)
	r.sweepOnce()
	assert.Equal(t, 1, deleter.callCount())
	assert.Equal(t, 0, r.Len())
}

func TestUnregister_NoRemoteSideEffects(t *testing.T) {
	r, deleter, _ := newTestRegistry(t)

	r.Register("alice")
	r.Unregister("alice")

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, deleter.callCount())

	// Unregistering an unknown user is a no-op.
	r.Unregister("nobody")
}

func TestStop_IsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Register("alice")
	r.Stop()
	r.Stop()
}
