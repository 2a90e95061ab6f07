// Package lifecycle ties authentication events to container provisioning.
// Logging in warms up a container in the background; logging out tears it
// down. Neither blocks the HTTP response that triggered it.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/containerapi"
)

// defaultOpTimeout bounds a single background create or delete call.
const defaultOpTimeout = 2 * time.Minute

// ContainerManager is the slice of the container backend client needed here.
type ContainerManager interface {
	CreateContainer(ctx context.Context, username string) containerapi.Outcome
	DeleteContainer(ctx context.Context, username string) containerapi.Outcome
}

// ActivityRegistry is the slice of the activity registry needed here.
type ActivityRegistry interface {
	Register(username string)
	Unregister(username string)
}

// Orchestrator runs container lifecycle transitions triggered by auth events.
type Orchestrator struct {
	containers ContainerManager
	activity   ActivityRegistry
	opTimeout  time.Duration
	wg         sync.WaitGroup
}

// NewOrchestrator wires the container backend to the activity registry.
func NewOrchestrator(containers ContainerManager, activity ActivityRegistry) *Orchestrator {
	return &Orchestrator{
		containers: containers,
		activity:   activity,
		opTimeout:  defaultOpTimeout,
	}
}

// OnLogin starts provisioning a container for username in the background and
// returns immediately. A provisioning failure is logged, not surfaced: the
// user can still browse, and the next codebase setup retries the create.
func (o *Orchestrator) OnLogin(username string) {
	if username == "" {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opTimeout)
		defer cancel()

		if out := o.containers.CreateContainer(ctx, username); !out.OK() {
			klog.Errorf("warm-up container create for %q failed: %v", username, out.Err)
		}
		o.activity.Register(username)
	}()
}

// OnLogout tears down username's container in the background and returns
// immediately. The registry entry is removed before the remote delete so a
// concurrent idle sweep cannot issue a second delete for the same user.
func (o *Orchestrator) OnLogout(username string) {
	if username == "" {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.activity.Unregister(username)

		ctx, cancel := context.WithTimeout(context.Background(), o.opTimeout)
		defer cancel()
		if out := o.containers.DeleteContainer(ctx, username); !out.OK() {
			klog.Errorf("logout container delete for %q failed: %v", username, out.Err)
		}
	}()
}

// Wait blocks until all in-flight lifecycle work finishes. Shutdown and
// tests use it; request handlers must not.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
