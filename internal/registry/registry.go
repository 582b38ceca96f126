// Package registry holds the authoritative map of deployed agents and
// runs the idle sweep that evicts them once their warm window elapses,
// guarding each eviction with the witness-compare pattern: a sweep never
// removes a container out from under an invocation that raced it.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neult/oken/internal/agent"
	"github.com/neult/oken/internal/clock"
	"github.com/neult/oken/internal/containerdriver"
	"github.com/neult/oken/internal/events"
	"github.com/neult/oken/internal/logging"
	"github.com/neult/oken/internal/metrics"
)

// Registry is the single-writer state map described by spec.md's data
// model: every mutation runs under mu, and callers only ever see copies
// returned by the accessors below.
type Registry struct {
	mu      sync.Mutex
	entries map[string]agent.State

	driver          containerdriver.Driver
	clock           clock.Clock
	log             *logging.Logger
	bus             *events.Bus
	cleanupInterval time.Duration

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates an empty Registry. driver is used by the idle sweep to
// stop evicted containers; clock lets tests drive the sweep loop and
// the idle-window comparison deterministically. bus may be nil, in
// which case evictions are simply not published.
func New(driver containerdriver.Driver, clk clock.Clock, log *logging.Logger, bus *events.Bus, cleanupInterval time.Duration) *Registry {
	return &Registry{
		entries:         make(map[string]agent.State),
		driver:          driver,
		clock:           clk,
		log:             log,
		bus:             bus,
		cleanupInterval: cleanupInterval,
	}
}

// Register adds a new entry in the pending state. It is an error to
// register an agent_id that already exists.
func (r *Registry) Register(agentID string, cfg agent.Config) (agent.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[agentID]; exists {
		return agent.State{}, fmt.Errorf("agent %s is already registered", agentID)
	}
	state := agent.State{
		AgentID:   agentID,
		Config:    cfg,
		Status:    agent.Pending,
		CreatedAt: r.clock.Now(),
	}
	r.entries[agentID] = state
	r.refreshGauges()
	return state, nil
}

// Get returns a copy of the entry for agentID, if present.
func (r *Registry) Get(agentID string) (agent.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[agentID]
	return s, ok
}

// Touch updates last_invoked to now, under the exclusive section, so
// that any witness read earlier by a racing sweep candidate compares
// unequal. It is a no-op if agentID is not present.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[agentID]
	if !ok {
		return
	}
	s.LastInvoked = r.clock.Now()
	r.entries[agentID] = s
}

// UpdateStatus sets status (and, for the error status, the error
// message) for agentID. It is a no-op if agentID is not present.
func (r *Registry) UpdateStatus(agentID string, status agent.Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[agentID]
	if !ok {
		return
	}
	s.Status = status
	s.Error = errMsg
	r.entries[agentID] = s
	r.refreshGauges()
}

// UpdateContainer records the container id/name assigned to agentID. It
// is a no-op if agentID is not present.
func (r *Registry) UpdateContainer(agentID, containerID, containerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[agentID]
	if !ok {
		return
	}
	s.ContainerID = containerID
	s.ContainerName = containerName
	r.entries[agentID] = s
}

// Unregister removes and returns the entry for agentID, if present.
func (r *Registry) Unregister(agentID string) (agent.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[agentID]
	if ok {
		delete(r.entries, agentID)
		r.refreshGauges()
	}
	return s, ok
}

// List returns a snapshot of every entry currently tracked.
func (r *Registry) List() []agent.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.State, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}

// CountRunning returns the number of entries with status = running.
func (r *Registry) CountRunning() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.entries {
		if s.Status == agent.Running {
			n++
		}
	}
	return n
}

// refreshGauges updates the registered/running Prometheus gauges. Must
// be called with mu held.
func (r *Registry) refreshGauges() {
	running := 0
	for _, s := range r.entries {
		if s.Status == agent.Running {
			running++
		}
	}
	metrics.AgentsRegistered.Set(float64(len(r.entries)))
	metrics.AgentsRunning.Set(float64(running))
}

// StartSweep launches the background idle-eviction loop. Calling it
// twice on the same Registry is a programmer error.
func (r *Registry) StartSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(ctx)
}

// StopSweep cancels the sweep loop and waits for it to terminate.
func (r *Registry) StopSweep() {
	if r.sweepCancel == nil {
		return
	}
	r.sweepCancel()
	<-r.sweepDone
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.sweepDone)
	for {
		select {
		case <-r.clock.After(r.cleanupInterval):
			r.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// candidate is a sweep target identified under the exclusive section,
// carrying the witness value recorded at decision time.
type candidate struct {
	agentID     string
	containerID string
	witness     time.Time
}

// sweepOnce runs a single sweep tick: build the candidate list under the
// exclusive section, then evict each candidate that survives a
// witness-compare re-check, per spec.md §4.4.
func (r *Registry) sweepOnce(ctx context.Context) {
	candidates := r.collectCandidates()
	if len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			r.evictIfStillIdle(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// collectCandidates builds the candidate list under the exclusive
// section: every running entry whose idle time exceeds its warm_timeout.
func (r *Registry) collectCandidates() []candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []candidate
	for id, s := range r.entries {
		if s.Status != agent.Running {
			continue
		}
		if now.Sub(s.LastActivity()) > s.Config.WarmTimeout {
			out = append(out, candidate{agentID: id, containerID: s.ContainerID, witness: s.LastInvoked})
		}
	}
	return out
}

// evictIfStillIdle re-enters the exclusive section to re-check the
// witness, and only then — outside the exclusive section — stops the
// container.
func (r *Registry) evictIfStillIdle(ctx context.Context, c candidate) {
	containerID, evict := r.commitEviction(c)
	if !evict {
		return
	}
	metrics.SweepEvictions.Inc()
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.KindEvicted, AgentID: c.agentID, Timestamp: r.clock.Now()})
	}
	if err := r.driver.StopContainer(ctx, containerID); err != nil {
		r.log.WithAgent(c.agentID).Warn("sweep: failed to stop evicted container", "error", err)
	}
}

// commitEviction re-reads the entry and compares its current
// last_invoked against the witness recorded at candidate-collection
// time. If they match, the entry is removed from the registry before
// this returns — the container stop happens afterward, outside mu.
func (r *Registry) commitEviction(c candidate) (containerID string, evict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[c.agentID]
	if !ok {
		return "", false
	}
	if s.LastInvoked != c.witness {
		metrics.SweepRaces.Inc()
		return "", false
	}
	containerID = s.ContainerID
	delete(r.entries, c.agentID)
	r.refreshGauges()
	return containerID, true
}
