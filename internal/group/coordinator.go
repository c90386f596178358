package group

import (
	"context"
	"strconv"
	"time"

	"conduit/internal/constants"
	"conduit/internal/logger"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/metrics"
)

// Coordinator owns the store-side state of one group: the group itself on
// its stream and the counter member ids are drawn from.
type Coordinator struct {
	cfg      Config
	channel  stream.Channel
	registry Registry
	logger   logger.Logger
}

func NewCoordinator(cfg Config, channel stream.Channel, registry Registry, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Coordinator{
		cfg:      cfg,
		channel:  channel,
		registry: registry,
		logger:   log.With("group", cfg.Name, "stream", cfg.Stream()),
	}
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

// CounterKey is where member ids are counted: {stream}::{group}::MEMBERS.
func (c *Coordinator) CounterKey() string {
	return c.cfg.Stream() + constants.StreamKeySeparator + c.cfg.Name + constants.StreamKeySeparator + constants.MemberCounterKey
}

// Create registers the group on its stream. A group that already exists
// counts as created.
func (c *Coordinator) Create(ctx context.Context) error {
	err := c.channel.CreateGroup(ctx, c.cfg.Stream(), c.cfg.Name, c.cfg.StartCursor)
	if apperrors.IsGroupExists(err) {
		c.logger.DebugwCtx(ctx, "Group already exists")
		return nil
	}
	if err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to create group", "error", err)
		return err
	}
	c.logger.InfowCtx(ctx, "Created group", "start_cursor", c.cfg.StartCursor)
	return nil
}

// AllocateMember draws the next member id. Ids past Max fail with
// GROUP_CAPACITY_EXCEEDED.
func (c *Coordinator) AllocateMember(ctx context.Context) (string, error) {
	n, err := c.registry.Next(ctx, c.CounterKey(), c.cfg.IdleTimeout)
	if err != nil {
		return "", err
	}
	metrics.SetGroupMembersAllocated(c.cfg.Name, n)

	if n > int64(c.cfg.Max) {
		c.logger.ErrorwCtx(ctx, "Group capacity exceeded", "allocated", n, "max", c.cfg.Max)
		return "", apperrors.ErrGroupCapacityExceeded.
			WithDetail("group", c.cfg.Name).
			WithDetail("member_id", n).
			WithDetail("max", c.cfg.Max)
	}
	return strconv.FormatInt(n, 10), nil
}

// KeepAlive refreshes the member counter's expiry so ids held by running
// members are not handed out again. It is a no-op without IdleTimeout.
func (c *Coordinator) KeepAlive(ctx context.Context) error {
	return c.registry.Refresh(ctx, c.CounterKey(), c.cfg.IdleTimeout)
}

// Allocated reports how many ids have been drawn so far.
func (c *Coordinator) Allocated(ctx context.Context) (int64, error) {
	return c.registry.Current(ctx, c.CounterKey())
}

func (c *Coordinator) Members(ctx context.Context) ([]stream.MemberInfo, error) {
	return c.channel.Members(ctx, c.cfg.Stream(), c.cfg.Name)
}

// RemoveIdleMembers drops members idle longer than IdleTimeout that own no
// pending entries. Members named in keep are never removed.
func (c *Coordinator) RemoveIdleMembers(ctx context.Context, keep map[string]bool) (int, error) {
	if c.cfg.IdleTimeout <= 0 {
		return 0, nil
	}

	members, err := c.Members(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range members {
		if keep[m.Name] || m.Pending > 0 || m.Idle < c.cfg.IdleTimeout {
			continue
		}
		if _, err := c.channel.RemoveMember(ctx, c.cfg.Stream(), c.cfg.Name, m.Name); err != nil {
			return removed, err
		}
		removed++
		metrics.IncGroupMembersRemoved(c.cfg.Name)
		c.logger.InfowCtx(ctx, "Removed idle member", "member", m.Name, "idle", m.Idle.Round(time.Second))
	}
	return removed, nil
}
