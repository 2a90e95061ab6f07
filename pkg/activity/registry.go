package activity

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/containerapi"
)

const (
	// DefaultIdleTimeout is how long a container may sit without a heartbeat
	// before the sweep reclaims it.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the sweep checks for idle containers.
	DefaultSweepInterval = 60 * time.Second

	// deleteTimeout bounds each remote delete issued by the sweep.
	deleteTimeout = time.Minute
)

// ContainerDeleter is the slice of the container backend client the sweep
// needs. Injected so tests can observe delete calls without a real backend.
type ContainerDeleter interface {
	DeleteContainer(ctx context.Context, username string) containerapi.Outcome
}

// Record tracks one user's live container.
type Record struct {
	LastActive         time.Time
	ContainerCreatedAt time.Time
}

// Registry tracks which users have a live remote container and reclaims the
// ones idle beyond the timeout. A record exists if and only if a remote
// container is believed to exist for that user.
type Registry struct {
	deleter       ContainerDeleter
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu           sync.Mutex
	records      map[string]*Record
	sweepStarted bool
	stopCh       chan struct{}
}

// NewRegistry creates a Registry that reclaims idle containers through
// deleter. The sweep loop starts lazily on the first registration.
func NewRegistry(deleter ContainerDeleter) *Registry {
	return &Registry{
		deleter:       deleter,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		records:       make(map[string]*Record),
		stopCh:        make(chan struct{}),
	}
}

// SetIdleTimeout overrides the idle timeout for all records.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.idleTimeout = d
	}
}

// SetSweepInterval overrides the sweep interval. Only effective before the
// first registration starts the loop.
func (r *Registry) SetSweepInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.sweepInterval = d
	}
}

// Register records that username now has a container. Re-registering
// overwrites the record, resetting both timestamps.
func (r *Registry) Register(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.records[username] = &Record{
		LastActive:         now,
		ContainerCreatedAt: now,
	}
	r.startSweepLocked()
}

// Heartbeat bumps username's last-active time. Unknown users are registered,
// so a heartbeat arriving after a process restart self-heals the tracking.
func (r *Registry) Heartbeat(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if rec, ok := r.records[username]; ok {
		rec.LastActive = now
		return
	}
	r.records[username] = &Record{
		LastActive:         now,
		ContainerCreatedAt: now,
	}
	r.startSweepLocked()
}

// Unregister stops tracking username. It never touches the remote backend;
// deletion is the caller's responsibility.
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, username)
}

// Lookup returns a copy of username's record.
func (r *Registry) Lookup(username string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[username]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked containers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Stop cancels the sweep loop. Safe to call before the loop ever started and
// safe to call more than once.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// startSweepLocked starts the sweep loop if it is not already running.
// Callers must hold r.mu.
func (r *Registry) startSweepLocked() {
	if r.sweepStarted {
		return
	}
	r.sweepStarted = true
	go r.run(r.sweepInterval)
}

func (r *Registry) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			klog.Info("container activity sweep stopped")
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce deletes every container idle beyond the timeout. A failed delete
// leaves the record in place so the next tick retries it; a heartbeat in the
// meantime moves LastActive forward and cancels the pending deletion.
func (r *Registry) sweepOnce() {
	r.mu.Lock()
	now := r.now()
	timeout := r.idleTimeout
	stale := make([]string, 0)
	for username, rec := range r.records {
		if now.Sub(rec.LastActive) > timeout {
			stale = append(stale, username)
		}
	}
	r.mu.Unlock()

	for _, username := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		out := r.deleter.DeleteContainer(ctx, username)
		cancel()
		if !out.OK() {
			klog.Errorf("sweep: delete container for idle user %q failed, will retry: %v", username, out.Err)
			continue
		}

		r.mu.Lock()
		// Re-check staleness: the user may have sent a heartbeat while the
		// delete was in flight.
		if rec, ok := r.records[username]; ok && now.Sub(rec.LastActive) > timeout {
			delete(r.records, username)
			klog.Infof("sweep: reclaimed idle container for user %q", username)
		}
		r.mu.Unlock()
	}
}
