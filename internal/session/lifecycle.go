package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HealthState is the coarse health of one component.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ComponentHealth represents the health of a lifecycle component.
type ComponentHealth struct {
	State   HealthState       `json:"state"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ComponentState tracks where a component is in its lifecycle.
type ComponentState int32

const (
	ComponentStateNew ComponentState = iota
	ComponentStateStarting
	ComponentStateRunning
	ComponentStateStopping
	ComponentStateStopped
	ComponentStateFailed
)

func (s ComponentState) String() string {
	switch s {
	case ComponentStateNew:
		return "new"
	case ComponentStateStarting:
		return "starting"
	case ComponentStateRunning:
		return "running"
	case ComponentStateStopping:
		return "stopping"
	case ComponentStateStopped:
		return "stopped"
	case ComponentStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// component wraps start and stop functions with state tracking. Unlike a
// one-shot service it may be started again after it stopped.
type component struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func(ctx context.Context) ComponentHealth

	state     atomic.Int32
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time
}

func (c *component) State() ComponentState {
	return ComponentState(c.state.Load())
}

func (c *component) Start(ctx context.Context) error {
	switch c.State() {
	case ComponentStateRunning:
		return nil
	case ComponentStateStarting, ComponentStateStopping:
		return fmt.Errorf("component %s is %s", c.name, c.State())
	}
	c.state.Store(int32(ComponentStateStarting))
	if c.start != nil {
		if err := c.start(ctx); err != nil {
			c.state.Store(int32(ComponentStateFailed))
			return err
		}
	}
	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()
	c.state.Store(int32(ComponentStateRunning))
	return nil
}

func (c *component) Stop(ctx context.Context) error {
	state := c.State()
	if state != ComponentStateRunning && state != ComponentStateFailed {
		return nil
	}
	c.state.Store(int32(ComponentStateStopping))
	if c.stop != nil {
		if err := c.stop(ctx); err != nil {
			c.state.Store(int32(ComponentStateFailed))
			return err
		}
	}
	c.state.Store(int32(ComponentStateStopped))
	return nil
}

func (c *component) Health(ctx context.Context) ComponentHealth {
	switch c.State() {
	case ComponentStateRunning:
		if c.health != nil {
			h := c.health(ctx)
			if h.Details == nil {
				h.Details = map[string]string{}
			}
			h.Details["uptime"] = c.uptime().Round(time.Millisecond).String()
			return h
		}
		return ComponentHealth{
			State:   HealthHealthy,
			Message: "running",
			Details: map[string]string{"uptime": c.uptime().Round(time.Millisecond).String()},
		}
	case ComponentStateStopped, ComponentStateNew:
		return ComponentHealth{State: HealthUnhealthy, Message: "stopped"}
	case ComponentStateFailed:
		return ComponentHealth{State: HealthUnhealthy, Message: "failed"}
	default:
		return ComponentHealth{State: HealthUnknown, Message: c.State().String()}
	}
}

func (c *component) uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.startedAt)
}

// manager starts components in registration order and stops them in reverse.
type manager struct {
	mu         sync.Mutex
	components []*component
	started    bool
	logger     *slog.Logger
}

func (m *manager) register(c *component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// Start starts every component. If one fails, the ones already started are
// stopped again in reverse order.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	started := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		m.logger.Debug("starting component", "component", c.name)
		if err := c.Start(ctx); err != nil {
			m.logger.Error("component failed to start", "component", c.name, "error", err)
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					m.logger.Error("error stopping component during rollback",
						"component", started[i].name,
						"error", stopErr,
					)
				}
			}
			// The failed component may hold partial resources.
			_ = c.Stop(ctx)
			return fmt.Errorf("component %s failed to start: %w", c.name, err)
		}
		started = append(started, c)
	}
	m.started = true
	return nil
}

// Stop stops every component in reverse order and joins their errors.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		c := m.components[i]
		m.logger.Debug("stopping component", "component", c.name)
		if err := c.Stop(ctx); err != nil {
			m.logger.Error("error stopping component", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("component %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *manager) Health(ctx context.Context) map[string]ComponentHealth {
	m.mu.Lock()
	components := append([]*component(nil), m.components...)
	m.mu.Unlock()

	health := make(map[string]ComponentHealth, len(components))
	for _, c := range components {
		health[c.name] = c.Health(ctx)
	}
	return health
}
