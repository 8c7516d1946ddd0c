// Package session owns the lifecycle of the sync components for one signed-in
// user: the cache sweep, the connection monitor, the presence tracker and the
// change feed synchronizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/chatsync/internal/cache"
	"github.com/haasonsaas/chatsync/internal/config"
	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/observability"
	"github.com/haasonsaas/chatsync/internal/optimistic"
	"github.com/haasonsaas/chatsync/internal/presence"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Platform is everything the session needs from the remote platform apart
// from presence.
type Platform interface {
	connection.Prober
	feed.ChangeFeed
	feed.RemoteWriter
	feed.Fetcher
}

// Deps are the external collaborators. Platform and Presence are required.
type Deps struct {
	Platform Platform
	Presence presence.Transport
	Activity presence.ActivitySource
	Outbox   feed.Outbox
}

// Config configures a Session.
type Config struct {
	UserID      string
	DisplayName string

	Connection connection.Config
	Feed       feed.Config
	Presence   presence.Config
	Cache      cache.Config

	// OptimisticTimeout bounds each optimistic confirmation.
	OptimisticTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// ConfigFrom maps a loaded configuration file onto session settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		UserID:      c.User.ID,
		DisplayName: c.User.DisplayName,
		Connection: connection.Config{
			Interval:     c.Connection.Interval,
			ProbeTimeout: c.Connection.ProbeTimeout,
			InitialDelay: c.Connection.InitialDelay,
			MaxDelay:     c.Connection.MaxDelay,
			MaxAttempts:  c.Connection.MaxAttempts,
			Thresholds:   c.Connection.Thresholds,
		},
		Feed: feed.Config{
			SendRetryDelay:            c.Feed.SendRetryDelay,
			OfflineRetryWait:          c.Feed.OfflineRetryWait,
			ReconcileInterval:         c.Feed.ReconcileInterval,
			DegradedReconcileInterval: c.Feed.DegradedReconcileInterval,
			ResubscribeMaxDelay:       c.Feed.ResubscribeMaxDelay,
			MessagePageSize:           c.Feed.MessagePageSize,
			PostPageSize:              c.Feed.PostPageSize,
			NotificationLimit:         c.Feed.NotificationLimit,
			PreviewLength:             c.Feed.PreviewLength,
		},
		Presence: presence.Config{
			HeartbeatInterval: c.Presence.HeartbeatInterval,
			IdleTimeout:       c.Presence.IdleTimeout,
		},
		Cache: cache.Config{
			TTL:             c.Cache.TTL,
			MaxSize:         c.Cache.MaxSize,
			CleanupInterval: c.Cache.CleanupInterval,
		},
		OptimisticTimeout: c.Optimistic.Timeout,
	}
}

// Session wires the components together and starts them for as long as at
// least one holder has acquired it.
type Session struct {
	config Config
	logger *slog.Logger

	pages    *cache.Cache[[]models.Message]
	likes    *cache.Cache[models.LikeState]
	monitor  *connection.Monitor
	tracker  *presence.Tracker
	sync     *feed.Synchronizer
	manager  *manager
	coord    *optimistic.Coordinator[models.LikeState]
	sweepInt time.Duration

	refMu sync.Mutex
	refs  int

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a session. Nothing runs until Start or Acquire.
func New(deps Deps, cfg Config) (*Session, error) {
	if deps.Platform == nil {
		return nil, errors.New("session: platform is required")
	}
	if deps.Presence == nil {
		return nil, errors.New("session: presence transport is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		config:  cfg,
		logger:  logger.With("component", "session", "user_id", cfg.UserID),
		manager: &manager{logger: logger.With("component", "session", "user_id", cfg.UserID)},
	}

	// The session runs one sweep for every cache so it can be restarted.
	s.sweepInt = cfg.Cache.CleanupInterval
	if s.sweepInt <= 0 {
		s.sweepInt = cache.DefaultConfig().CleanupInterval
	}
	pagesCfg := cfg.Cache
	pagesCfg.Name = "message_pages"
	pagesCfg.CleanupInterval = 0
	pagesCfg.Observer = cfg.Metrics
	likesCfg := pagesCfg
	likesCfg.Name = "likes"
	s.pages = cache.New[[]models.Message](pagesCfg)
	s.likes = cache.New[models.LikeState](likesCfg)

	connCfg := cfg.Connection
	connCfg.UserID = cfg.UserID
	connCfg.Logger = logger
	connCfg.Metrics = cfg.Metrics
	connCfg.Tracer = cfg.Tracer
	s.monitor = connection.NewMonitor(deps.Platform, connCfg)

	presenceCfg := cfg.Presence
	presenceCfg.UserID = cfg.UserID
	presenceCfg.DisplayName = cfg.DisplayName
	presenceCfg.Logger = logger
	presenceCfg.Metrics = cfg.Metrics
	presenceCfg.Now = cfg.Now
	s.tracker = presence.NewTracker(deps.Presence, deps.Activity, s.monitor, presenceCfg)

	s.coord = optimistic.New(optimistic.Options[models.LikeState]{
		Cache:   s.likes,
		Timeout: cfg.OptimisticTimeout,
		Logger:  logger,
		Metrics: cfg.Metrics,
		Tracer:  cfg.Tracer,
	})

	feedCfg := cfg.Feed
	feedCfg.UserID = cfg.UserID
	feedCfg.Logger = logger
	feedCfg.Metrics = cfg.Metrics
	feedCfg.Tracer = cfg.Tracer
	feedCfg.Now = cfg.Now
	s.sync = feed.New(feed.Deps{
		Feed:    deps.Platform,
		Writer:  deps.Platform,
		Fetcher: deps.Platform,
		Conn:    s.monitor,
		Outbox:  deps.Outbox,
		Pages:   s.pages,
		Likes:   s.coord,
	}, feedCfg)

	s.register("cache", s.startSweep, s.stopSweep, s.cacheHealth)
	s.register("connection", s.monitor.Start, s.monitor.Stop, s.connectionHealth)
	s.register("presence", s.tracker.Start, s.tracker.Stop, s.presenceHealth)
	s.register("feed", s.sync.Subscribe, s.sync.Unsubscribe, s.feedHealth)
	return s, nil
}

func (s *Session) register(name string, start, stop func(context.Context) error, health func(context.Context) ComponentHealth) {
	s.manager.register(&component{
		name:   name,
		start:  start,
		stop:   stop,
		health: health,
		now:    s.config.Now,
	})
}

// UserID returns the local user.
func (s *Session) UserID() string { return s.config.UserID }

// Monitor returns the connection monitor.
func (s *Session) Monitor() *connection.Monitor { return s.monitor }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.tracker }

// Feed returns the change feed synchronizer.
func (s *Session) Feed() *feed.Synchronizer { return s.sync }

// Start starts every component in order: cache sweep, connection monitor,
// presence, then the change feed with its initial reconciliation. It is a
// no-op when already running.
func (s *Session) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.logger.Info("session started")
	return nil
}

// Stop stops every component in reverse order, regardless of how many
// holders acquired the session.
func (s *Session) Stop(ctx context.Context) error {
	s.refMu.Lock()
	s.refs = 0
	s.refMu.Unlock()
	return s.stop(ctx)
}

func (s *Session) stop(ctx context.Context) error {
	if !s.manager.Running() {
		return nil
	}
	err := s.manager.Stop(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.logger.Info("session stopped")
	return nil
}

// Close stops the session and releases resources that outlive restarts.
func (s *Session) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.coord.Close()
	s.pages.Stop()
	s.likes.Stop()
	return err
}

// Acquire registers a holder. The first holder starts the session; if that
// fails the reference is not taken.
func (s *Session) Acquire(ctx context.Context) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if s.refs == 0 {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	s.refs++
	return nil
}

// Release drops a holder. The last release stops the session.
func (s *Session) Release(ctx context.Context) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.stop(ctx)
}

// Holders returns the number of outstanding acquisitions.
func (s *Session) Holders() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refs
}

// Running reports whether the components are started.
func (s *Session) Running() bool {
	return s.manager.Running()
}

// Health reports per-component health.
func (s *Session) Health(ctx context.Context) map[string]ComponentHealth {
	return s.manager.Health(ctx)
}

func (s *Session) startSweep(context.Context) error {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop != nil {
		return nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.sweepStop, s.sweepDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.sweepInt)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.pages.Cleanup() + s.likes.Cleanup(); n > 0 {
					s.logger.Debug("cache sweep", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (s *Session) stopSweep(ctx context.Context) error {
	s.sweepMu.Lock()
	stop, done := s.sweepStop, s.sweepDone
	s.sweepStop, s.sweepDone = nil, nil
	s.sweepMu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) cacheHealth(context.Context) ComponentHealth {
	pages := s.pages.Stats()
	return ComponentHealth{
		State:   HealthHealthy,
		Message: "sweeping",
		Details: map[string]string{
			"message_pages": strconv.Itoa(pages.Size),
			"likes":         strconv.Itoa(s.likes.Len()),
			"hit_rate":      strconv.FormatFloat(pages.HitRate, 'f', 2, 64),
		},
	}
}

func (s *Session) connectionHealth(context.Context) ComponentHealth {
	state := s.monitor.State()
	details := map[string]string{
		"phase":   string(s.monitor.Phase()),
		"quality": string(state.Quality),
		"latency": state.Latency.String(),
	}
	switch {
	case !state.IsConnected:
		details["attempts"] = strconv.Itoa(s.monitor.Attempts())
		return ComponentHealth{State: HealthUnhealthy, Message: "disconnected", Details: details}
	case state.Quality == models.QualityPoor:
		return ComponentHealth{State: HealthDegraded, Message: "poor connection", Details: details}
	default:
		return ComponentHealth{State: HealthHealthy, Message: "connected", Details: details}
	}
}

func (s *Session) presenceHealth(context.Context) ComponentHealth {
	return ComponentHealth{
		State:   HealthHealthy,
		Message: string(s.tracker.Status()),
		Details: map[string]string{
			"records": strconv.Itoa(len(s.tracker.Records())),
		},
	}
}

func (s *Session) feedHealth(context.Context) ComponentHealth {
	h := ComponentHealth{
		State:   HealthHealthy,
		Message: "subscribed",
		Details: map[string]string{
			"threads":       strconv.Itoa(len(s.sync.Threads())),
			"posts":         strconv.Itoa(len(s.sync.Posts())),
			"notifications": strconv.Itoa(len(s.sync.Notifications())),
		},
	}
	if s.monitor.State().Degraded() {
		h.State = HealthDegraded
		h.Message = "subscribed, reconciling slowly"
	}
	return h
}
