package group

import (
	"context"
	"fmt"
	"sync"

	"conduit/internal/consumer"
	"conduit/internal/logger"
	"conduit/pkg/metrics"
)

type State int

const (
	StateCreated State = iota
	StateConnected
	StateListening
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnected:
		return "CONNECTED"
	case StateListening:
		return "LISTENING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Member is one named participant of a group, reading through its own
// consumer.
type Member struct {
	id       string
	coord    *Coordinator
	template consumer.Config
	consumer *consumer.Consumer
	logger   logger.Logger

	mu    sync.Mutex
	state State
	err   error
}

// NewMember builds a member reading the coordinator's group. Topic and
// membership of template are replaced; everything else is kept.
func (c *Coordinator) NewMember(id string, template consumer.Config) (*Member, error) {
	cfg := template
	cfg.Topic = c.cfg.Topic
	cfg.Membership = consumer.GroupMember{
		Group:       c.cfg.Name,
		Member:      id,
		Acknowledge: c.cfg.Acknowledge,
	}
	cfg.ReclaimIdle = c.cfg.ProcessingTimeout

	log := c.logger.With("member", id)
	cons, err := consumer.New(cfg, c.channel, log)
	if err != nil {
		return nil, err
	}

	return &Member{
		id:       id,
		coord:    c,
		template: template,
		consumer: cons,
		logger:   log,
		state:    StateCreated,
	}, nil
}

func (m *Member) ID() string {
	return m.id
}

func (m *Member) Consumer() *consumer.Consumer {
	return m.consumer
}

func (m *Member) RegisterHandler(msgType string, fn consumer.HandlerFunc) {
	m.consumer.RegisterHandler(msgType, fn)
}

func (m *Member) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the failure that moved the member to FAILED, if any.
func (m *Member) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Member) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("member %s: cannot move from %s to %s", m.id, m.state, to)
}

func (m *Member) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateFailed
	m.err = err
}

// Connect registers the member name with the group. A disconnected or
// failed member may connect again.
func (m *Member) Connect(ctx context.Context) error {
	if err := m.transition([]State{StateCreated, StateDisconnected, StateFailed}, StateConnected); err != nil {
		return err
	}
	cfg := m.coord.cfg
	if err := m.coord.channel.CreateMember(ctx, cfg.Stream(), cfg.Name, m.id); err != nil {
		m.fail(err)
		return err
	}
	m.logger.DebugwCtx(ctx, "Member connected")
	return nil
}

// Listen runs the group read loop until ctx ends (DISCONNECTED) or the
// channel fails (FAILED).
func (m *Member) Listen(ctx context.Context) error {
	if err := m.transition([]State{StateConnected}, StateListening); err != nil {
		return err
	}

	group := m.coord.cfg.Name
	metrics.IncGroupMembersRunning(group)
	defer metrics.DecGroupMembersRunning(group)

	err := m.consumer.Run(ctx)
	if ctx.Err() != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return ctx.Err()
	}
	m.fail(err)
	return err
}

func (m *Member) ConnectAndListen(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	return m.Listen(ctx)
}

// Clone returns a sibling member with its own id and state, carrying the
// same handlers. Overrides apply to the consumer settings of the clone only.
func (m *Member) Clone(id string, overrides ...func(*consumer.Config)) (*Member, error) {
	template := m.template
	for _, o := range overrides {
		o(&template)
	}
	sibling, err := m.coord.NewMember(id, template)
	if err != nil {
		return nil, err
	}
	for msgType, fn := range m.consumer.Handlers() {
		sibling.RegisterHandler(msgType, fn)
	}
	return sibling, nil
}
