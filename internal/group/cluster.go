package group

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"conduit/internal/constants"
	"conduit/internal/consumer"
	"conduit/internal/logger"
	"conduit/pkg/retry"
)

// Cluster runs Max members of a group in this process, each in its own
// goroutine. A member whose channel fails is restarted under the retry
// policy without affecting its siblings.
type Cluster struct {
	coord           *Coordinator
	template        consumer.Config
	policy          retry.Policy
	janitorInterval time.Duration
	logger          logger.Logger

	mu       sync.Mutex
	handlers map[string]consumer.HandlerFunc
	members  []*Member
}

type ClusterOption func(*Cluster)

func WithRetryPolicy(p retry.Policy) ClusterOption {
	return func(c *Cluster) {
		c.policy = p
	}
}

func WithJanitorInterval(d time.Duration) ClusterOption {
	return func(c *Cluster) {
		c.janitorInterval = d
	}
}

func NewCluster(coord *Coordinator, template consumer.Config, log logger.Logger, opts ...ClusterOption) *Cluster {
	if log == nil {
		log = logger.NopLogger()
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = -1
	policy.MaxElapsedTime = 0

	c := &Cluster{
		coord:           coord,
		template:        template,
		policy:          policy,
		janitorInterval: constants.DefaultJanitorInterval,
		logger:          log.Named("cluster").With("group", coord.cfg.Name),
		handlers:        make(map[string]consumer.HandlerFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterHandler binds a handler on every member launched afterwards.
func (c *Cluster) RegisterHandler(msgType string, fn consumer.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

func (c *Cluster) Members() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Member, len(c.members))
	copy(out, c.members)
	return out
}

// Launch validates the group, creates it, allocates Max member ids and runs
// every member until ctx is done. Allocation failures abort before any
// member starts. The returned error joins the terminal failures of all
// members; a clean shutdown returns nil.
func (c *Cluster) Launch(ctx context.Context) error {
	cfg := c.coord.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.coord.Create(ctx); err != nil {
		return err
	}

	members, err := c.allocate(ctx, cfg.Max)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.members = members
	c.mu.Unlock()

	c.logger.InfowCtx(ctx, "Launching group members", "members", len(members))

	var (
		wg   sync.WaitGroup
		errs error
		emu  sync.Mutex
	)
	for _, m := range members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			if err := c.runMember(ctx, m); err != nil {
				emu.Lock()
				errs = multierr.Append(errs, err)
				emu.Unlock()
			}
		}(m)
	}

	if cfg.IdleTimeout > 0 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.janitor(ctx, members)
		}()
		go func() {
			defer wg.Done()
			c.keepAlive(ctx, cfg.IdleTimeout/3)
		}()
	}

	wg.Wait()
	c.logger.InfowCtx(ctx, "Group members stopped")
	return errs
}

func (c *Cluster) allocate(ctx context.Context, n int) ([]*Member, error) {
	c.mu.Lock()
	handlers := make(map[string]consumer.HandlerFunc, len(c.handlers))
	for k, v := range c.handlers {
		handlers[k] = v
	}
	c.mu.Unlock()

	members := make([]*Member, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.coord.AllocateMember(ctx)
		if err != nil {
			return nil, err
		}

		var m *Member
		if len(members) == 0 {
			m, err = c.coord.NewMember(id, c.template)
			if err == nil {
				for msgType, fn := range handlers {
					m.RegisterHandler(msgType, fn)
				}
			}
		} else {
			m, err = members[0].Clone(id)
		}
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func (c *Cluster) runMember(ctx context.Context, m *Member) error {
	log := c.logger.With("member", m.ID())

	err := retry.RetryWithCallback(ctx, c.policy, func() error {
		err := m.ConnectAndListen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		log.WarnwCtx(ctx, "Member failed, restarting", "attempt", attempt, "error", err, "backoff", next)
	})

	if err != nil && ctx.Err() == nil {
		log.ErrorwCtx(ctx, "Member stopped", "error", err, "state", m.State().String())
		return err
	}
	return nil
}

// keepAlive holds the member counter while this process's members run.
func (c *Cluster) keepAlive(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = c.coord.cfg.IdleTimeout
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.coord.KeepAlive(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnwCtx(ctx, "Member counter refresh failed", "error", err)
			}
		}
	}
}

// janitor periodically drops idle members left behind by other processes.
func (c *Cluster) janitor(ctx context.Context, own []*Member) {
	keep := make(map[string]bool, len(own))
	for _, m := range own {
		keep[m.ID()] = true
	}

	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.coord.RemoveIdleMembers(ctx, keep); err != nil && ctx.Err() == nil {
				c.logger.WarnwCtx(ctx, "Idle member cleanup failed", "error", err)
			}
		}
	}
}
