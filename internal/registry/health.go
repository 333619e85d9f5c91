package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"github.com/soorma-ai/soorma-core/internal/telemetry"
)

// Sweeper periodically scans the Store for agents whose heartbeat has
// gone stale — now past last_heartbeat_at by more than ttl_seconds — and
// transitions them to AgentStatusExpired, deleting them after a grace
// window. A single ticker drives the sweep cluster-wide since expiry
// depends only on each agent's own TTLSeconds.
type Sweeper struct {
	store       Store
	node        *pool.Node
	interval    time.Duration
	expiryGrace time.Duration
	logger      telemetry.Logger

	onExpire func(ctx context.Context, agent *AgentRecord)

	mu      sync.Mutex
	ticker  *pool.Ticker
	cancel  context.CancelFunc
	closeCh chan struct{}
	once    sync.Once
}

// DefaultSweepInterval is used when SweeperOptions.Interval is zero.
const DefaultSweepInterval = 5 * time.Second

// DefaultExpiryGrace is how long an expired record is kept (for clients
// still polling its status) before the sweeper deletes it outright.
const DefaultExpiryGrace = 30 * time.Second

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Store        Store
	Node         *pool.Node
	Interval     time.Duration
	ExpiryGrace  time.Duration
	Logger       telemetry.Logger
	// OnExpire, when set, is invoked for every agent transitioned to
	// AgentStatusExpired during a sweep (used to publish agent-lifecycle
	// envelopes without coupling this package to the bus package).
	OnExpire func(ctx context.Context, agent *AgentRecord)
}

// NewSweeper creates a Sweeper. The pool node elects a single sweeping
// node across the registry cluster via a distributed ticker.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: sweeper requires a store")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	grace := opts.ExpiryGrace
	if grace <= 0 {
		grace = DefaultExpiryGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sweeper{
		store:       opts.Store,
		node:        opts.Node,
		interval:    interval,
		expiryGrace: grace,
		logger:      logger,
		onExpire:    opts.OnExpire,
		closeCh:     make(chan struct{}),
	}, nil
}

// Start begins the distributed sweep ticker. Only one node in the pool
// receives ticks at a time; Pulse handles failover if that node crashes.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.node == nil {
		return fmt.Errorf("registry: sweeper requires a pool node to start")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ticker, err := s.node.NewTicker(loopCtx, "registry:agent-sweep", s.interval)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: create sweep ticker: %w", err)
	}
	s.ticker = ticker
	s.cancel = cancel
	go s.run(loopCtx, ticker)
	return nil
}

// Close stops this node's participation in the sweep ticker.
func (s *Sweeper) Close() error {
	s.once.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.ticker != nil {
			s.ticker.Close()
		}
	})
	return nil
}

func (s *Sweeper) run(ctx context.Context, ticker *pool.Ticker) {
	for {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep pass synchronously, without requiring a
// pool node. Used by Start's ticker loop and directly by tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepOnce(ctx)
}

// sweepOnce scans every agent record and expires the stale ones.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	agents, err := s.store.ListAllAgents(ctx)
	if err != nil {
		s.logger.Error(ctx, "sweep list agents failed", "component", "registry-health", "err", err)
		return
	}
	now := time.Now()
	for _, a := range agents {
		switch a.Status {
		case AgentStatusActive:
			ttl := time.Duration(a.TTLSeconds) * time.Second
			if ttl <= 0 || now.Sub(a.LastHeartbeatAt) <= ttl {
				continue
			}
			expiredAt := now
			a.Status = AgentStatusExpired
			a.ExpiredAt = &expiredAt
			if err := s.store.SaveAgent(ctx, a); err != nil {
				s.logger.Error(ctx, "sweep expire agent failed", "component", "registry-health", "agent_id", a.AgentID, "err", err)
				continue
			}
			s.logger.Warn(ctx, "agent expired by ttl sweep",
				"component", "registry-health",
				"agent_id", a.AgentID,
				"ttl_seconds", a.TTLSeconds,
				"last_heartbeat_at", a.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
			)
			if s.onExpire != nil {
				s.onExpire(ctx, a)
			}
		case AgentStatusExpired:
			if a.ExpiredAt == nil || now.Sub(*a.ExpiredAt) <= s.expiryGrace {
				continue
			}
			if err := s.store.DeleteAgent(ctx, a.AgentID); err != nil {
				s.logger.Error(ctx, "sweep delete expired agent failed", "component", "registry-health", "agent_id", a.AgentID, "err", err)
				continue
			}
			s.logger.Info(ctx, "expired agent removed after grace window", "component", "registry-health", "agent_id", a.AgentID)
		}
	}
}
