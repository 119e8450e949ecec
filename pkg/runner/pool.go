package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// PoolKey identifies one session pool.
type PoolKey struct {
	TenantID string
	ModelID  string
	Runner   string
}

// String renders the key for logs, gauges, and events.
func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ModelID, k.Runner)
}

// PoolConfig bounds one session pool.
type PoolConfig struct {
	// MinSize is how many idle sessions survive eviction.
	MinSize int `yaml:"min_size"`
	// MaxSize caps concurrent sessions; Acquire blocks at the cap.
	MaxSize int `yaml:"max_size"`
	// IdleTimeout is how long a session may sit unused before eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SweepInterval is how often idle sessions are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultPoolConfig returns the pool bounds used when configuration is
// silent.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       0,
		MaxSize:       2,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// session is pool bookkeeping around one handle.
type session struct {
	id       string
	handle   ModelHandle
	inUse    bool
	lastUsed time.Time
}

// Lease is exclusive access to one session. Exactly one Release per lease;
// extra calls are no-ops.
type Lease struct {
	pool    *pool
	session *session
	once    sync.Once
}

// Handle returns the leased model instance.
func (l *Lease) Handle() ModelHandle {
	return l.session.handle
}

// SessionID identifies the leased session for logs.
func (l *Lease) SessionID() string {
	return l.session.id
}

// Release returns the session to the pool and frees its permit.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.session)
	})
}

// evictionFn is called after a session is closed by the sweeper.
type evictionFn func(key PoolKey, sessionID string, idleFor time.Duration)

// changeFn is called with fresh (active, idle) counts after any change.
type changeFn func(key PoolKey, active, idle int)

// pool is one (tenant, model, runner) session pool. The semaphore bounds
// concurrent leases at MaxSize; sessions are created lazily under a held
// permit, so the live session count never exceeds MaxSize either.
type pool struct {
	key      PoolKey
	cfg      PoolConfig
	factory  func(ctx context.Context) (ModelHandle, error)
	sem      *semaphore.Weighted
	logger   *slog.Logger
	onEvict  evictionFn
	onChange changeFn
	now      func() time.Time

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

func newPool(key PoolKey, cfg PoolConfig, factory func(ctx context.Context) (ModelHandle, error), logger *slog.Logger, onEvict evictionFn, onChange changeFn) *pool {
	cfg = cfg.withDefaults()
	return &pool{
		key:      key,
		cfg:      cfg,
		factory:  factory,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSize)),
		logger:   logger.With("pool", key.String()),
		onEvict:  onEvict,
		onChange: onChange,
		now:      time.Now,
	}
}

// notify reports current counts to the change hook.
func (p *pool) notify() {
	if p.onChange == nil {
		return
	}
	active, idle := p.stats()
	p.onChange(p.key, active, idle)
}

// acquire blocks on the semaphore, then reuses the most recently used idle
// session or initializes a new one.
func (p *pool) acquire(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, inferr.From(err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, inferr.Newf(inferr.KindInternal, "session pool %s is shut down", p.key)
	}
	for i := len(p.sessions) - 1; i >= 0; i-- {
		s := p.sessions[i]
		if s.inUse {
			continue
		}
		s.inUse = true
		s.lastUsed = p.now()
		p.mu.Unlock()
		p.notify()
		return &Lease{pool: p, session: s}, nil
	}
	p.mu.Unlock()

	// No idle session: initialize one while holding the permit. Loading can
	// take minutes, so this happens outside the pool lock.
	handle, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	s := &session{id: uuid.NewString(), handle: handle, inUse: true, lastUsed: p.now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		_ = handle.Close(context.Background(), true)
		return nil, inferr.Newf(inferr.KindInternal, "session pool %s is shut down", p.key)
	}
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	p.logger.Info("session created", "session_id", s.id)
	p.notify()
	return &Lease{pool: p, session: s}, nil
}

func (p *pool) release(s *session) {
	p.mu.Lock()
	s.inUse = false
	s.lastUsed = p.now()
	p.mu.Unlock()
	p.sem.Release(1)
	p.notify()
}

// sweep closes sessions idle beyond IdleTimeout, newest idle first, until
// only MinSize sessions remain. Returns how many were evicted.
func (p *pool) sweep() int {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	var candidates []*session
	for _, s := range p.sessions {
		if !s.inUse && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.After(candidates[j].lastUsed)
	})
	budget := len(p.sessions) - p.cfg.MinSize
	if budget < 0 {
		budget = 0
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}
	// Claim candidates so no acquire can hand them out while they close.
	for _, s := range candidates {
		s.inUse = true
	}
	p.mu.Unlock()

	for _, s := range candidates {
		idleFor := now.Sub(s.lastUsed)
		if err := s.handle.Close(context.Background(), false); err != nil {
			p.logger.Warn("session close failed", "session_id", s.id, "error", err)
		}
		p.forget(s)
		p.logger.Info("session evicted", "session_id", s.id, "idle_for", idleFor)
		if p.onEvict != nil {
			p.onEvict(p.key, s.id, idleFor)
		}
	}
	if len(candidates) > 0 {
		p.notify()
	}
	return len(candidates)
}

// forget removes a closed session from the pool.
func (p *pool) forget(target *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sessions {
		if s == target {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return
		}
	}
}

// shutdown closes every session. Permits are deliberately not released:
// acquires racing a shutdown fail instead of recycling dead capacity.
func (p *pool) shutdown(ctx context.Context, discard bool) {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.handle.Close(ctx, discard); err != nil {
			p.logger.Warn("session close failed during shutdown", "session_id", s.id, "error", err)
		}
	}
	if len(sessions) > 0 {
		p.logger.Info("pool shut down", "closed_sessions", len(sessions))
	}
	p.notify()
}

// stats reports (in-use, idle) session counts.
func (p *pool) stats() (active, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.inUse {
			active++
		} else {
			idle++
		}
	}
	return active, idle
}
