package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agentflow/pkg/app"
	"agentflow/pkg/channel"
)

const (
	providerCheckInterval = 30 * time.Second
	pruneTaskTimeout      = time.Minute
)

// Service exposes the workflow runtime over HTTP and the configured chat
// channels, and keeps the store pruned.
type Service struct {
	app      *app.App
	log      *slog.Logger
	relay    *relay
	channels []channel.Adapter
	schedule cron.Schedule

	mu               sync.RWMutex
	startedAt        time.Time
	serving          bool
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ActiveWorkflows  int                     `json:"active_workflows"`
	Provider         string                  `json:"provider,omitempty"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
}

// NewService wires the runtime to adapters. Adapters are optional: without
// them the service only serves the HTTP API.
func NewService(a *app.App, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if a == nil {
		return nil, errors.New("runtime is required")
	}
	if log == nil {
		log = slog.Default()
	}

	schedule, err := parseSchedule(a.Config.Store.PruneSchedule)
	if err != nil {
		return nil, fmt.Errorf("store.prune_schedule: %w", err)
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		app:           a,
		log:           log.With("component", "gateway.service"),
		relay:         newRelay(a.Coordinator, log),
		channels:      adapters,
		schedule:      schedule,
		channelStates: channelStates,
	}, nil
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	return s.routes()
}

// Run serves until ctx is cancelled or one of the service's parts fails.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.app.Provider != nil {
		if err := s.checkProviderHealth(ctx); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", s.app.Config.Gateway.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.app.Config.Gateway.Addr(), err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveHTTP(ctx, listener) })
	g.Go(func() error { return s.runSweeper(ctx) })
	if s.app.Provider != nil {
		g.Go(func() error { return s.watchProvider(ctx) })
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})
		g.Go(func() error {
			err := adapter.Run(ctx, s.relay.Handle)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) serveHTTP(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams end when the service stops.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.setServing(true)
	defer s.setServing(false)

	s.log.Info("Gateway server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Service) watchProvider(ctx context.Context) error {
	ticker := time.NewTicker(providerCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider unhealthy", "error", err)
			}
		}
	}
}

// runSweeper prunes finished workflows and stored results on the configured
// schedule.
func (s *Service) runSweeper(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		taskCtx, cancel := context.WithTimeout(ctx, pruneTaskTimeout)
		defer cancel()

		start := time.Now()
		if err := s.app.Prune(taskCtx); err != nil {
			s.log.Warn("Prune failed", "error", err, "duration", time.Since(start))
			return
		}
		s.log.Debug("Prune completed", "duration", time.Since(start))
	}))
	c.Start()
	s.log.Info("Retention sweeper started", "schedule", s.app.Config.Store.PruneSchedule, "retention", s.app.Config.Store.Retention())

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// parseSchedule accepts a cron expression (with descriptors such as @hourly)
// or a plain duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	every, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if every <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(every), nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	var providerName string
	if s.app.Provider != nil {
		providerName = s.app.Provider.Name()
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ActiveWorkflows:  s.app.Coordinator.Active(),
		Provider:         providerName,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         maps.Clone(s.channelStates),
	}
}

// isReady requires the HTTP server, a healthy provider when one is
// configured, and at least one running channel when channels are configured.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.serving {
		return false
	}

	if len(s.channelStates) > 0 {
		anyRunning := false
		for _, state := range s.channelStates {
			if state.Running {
				anyRunning = true
				break
			}
		}
		if !anyRunning {
			return false
		}
	}

	if s.app.Provider != nil && (s.providerLastOKAt.IsZero() || s.providerLastErr != "") {
		return false
	}

	return true
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.app.Provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = serving
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
