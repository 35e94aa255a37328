// Package engine implements the Engine facade: the single entry point
// a deployment uses to open TopicConnections, tracking the topics,
// user color assignments, and open registrations for one process
// (spec.md §4.7).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/backend"
	"github.com/lattice-run/lattice/internal/conn"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/topic"
)

// ErrEngineInactive is returned by OpenTopicConnection once the engine
// has been shut down.
var ErrEngineInactive = errors.New("engine: engine is inactive")

// shutdownDrainTimeout bounds how long Shutdown waits for the owned
// executor's queued work to finish before returning (spec.md §4.7).
// Pending futures themselves are not waited on.
const shutdownDrainTimeout = time.Second

// Engine owns every Topic opened in this process plus the pool of
// open TopicConnection registrations bound to them.
type Engine struct {
	backend      backend.Backend
	executor     Executor
	ownsExecutor bool

	mu            sync.Mutex
	active        bool
	topics        map[string]*topic.Topic
	userColors    map[string]int
	userOrder     []string
	registrations map[*Registration]struct{}
}

// New constructs an Engine bound to b. If executor is nil, the engine
// creates a fixed-size pool sized to CPU count and owns its shutdown
// (spec.md §6).
func New(b backend.Backend, executor Executor) *Engine {
	ownsExecutor := executor == nil
	if ownsExecutor {
		executor = NewFixedPoolExecutor(0)
	}
	return &Engine{
		backend:       b,
		executor:      executor,
		ownsExecutor:  ownsExecutor,
		active:        true,
		topics:        make(map[string]*topic.Topic),
		userColors:    make(map[string]int),
		registrations: make(map[*Registration]struct{}),
	}
}

// OpenTopicConnection creates or fetches the named topic, binds a
// TopicConnection to it through connCtx, and returns a registration
// that tears the connection down when removed (spec.md §4.7). Rejects
// nil connCtx or empty topicID; returns a nil Registration and
// ErrEngineInactive if the engine has been shut down.
func (e *Engine) OpenTopicConnection(ctx context.Context, connCtx dispatch.ConnectionContext, topicID string, user UserInfo, activationCallback conn.ActivationCallback) (*Registration, error) {
	if connCtx == nil {
		return nil, fmt.Errorf("engine: connection context is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("engine: topic id is required")
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil, ErrEngineInactive
	}
	e.mu.Unlock()

	top, err := e.topicFor(ctx, topicID)
	if err != nil {
		return nil, err
	}

	c, err := conn.New(top, connCtx, activationCallback)
	if err != nil {
		return nil, err
	}

	reg := &Registration{engine: e, conn: c}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		c.Close()
		return nil, ErrEngineInactive
	}
	e.registrations[reg] = struct{}{}
	e.mu.Unlock()

	// colorIndexFor's side effect (recording the user's color) happens
	// whether or not the caller ever reads it back, mirroring the
	// engine eagerly tracking every user that has opened a connection.
	e.colorIndexFor(user)

	return reg, nil
}

// GetUserColorIndex returns the color index assigned to user, per
// spec.md §4.7.
func (e *Engine) GetUserColorIndex(user UserInfo) int {
	return e.colorIndexFor(user)
}

func (e *Engine) topicFor(ctx context.Context, topicID string) (*topic.Topic, error) {
	e.mu.Lock()
	if t, ok := e.topics[topicID]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	eventLog, err := e.backend.OpenEventLog(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("engine: open event log for %q: %w", topicID, err)
	}
	t, err := topic.New(ctx, topicID, eventLog, e.backend.MembershipLog(), e.backend.Snapshots(), e.backend.NodeID())
	if err != nil {
		return nil, fmt.Errorf("engine: construct topic %q: %w", topicID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.topics[topicID]; ok {
		// Another caller raced us to construction; keep the winner and
		// discard ours.
		t.Close()
		return existing, nil
	}
	e.topics[topicID] = t
	return t, nil
}

func (e *Engine) removeRegistration(reg *Registration) {
	e.mu.Lock()
	delete(e.registrations, reg)
	e.mu.Unlock()
}

// Shutdown marks the engine inactive, removes every open registration,
// then shuts down the owned executor, if any, waiting up to
// shutdownDrainTimeout for its queued work (spec.md §4.7). It does not
// wait for pending futures to resolve, and an executor passed in to New
// is left running. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	regs := make([]*Registration, 0, len(e.registrations))
	for r := range e.registrations {
		regs = append(regs, r)
	}
	e.registrations = make(map[*Registration]struct{})
	e.mu.Unlock()

	for _, r := range regs {
		r.Remove()
	}

	if e.ownsExecutor {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		_ = e.executor.Shutdown(ctx)
	}
}
