package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs registered checkers on demand and in the background.
type Manager struct {
	checkers      map[string]Checker
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	started       bool
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(checkInterval time.Duration, logger *zap.Logger) *Manager {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:      make(map[string]Checker),
		lastResults:   make(map[string]CheckResult),
		checkInterval: checkInterval,
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// GetDetailedHealth runs every checker concurrently and aggregates the results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	summary := Summary{Total: len(results)}
	for _, r := range results {
		components[r.Component] = r
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, r := range components {
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	overall := calculateOverallStatus(components, summary)
	overall.Timestamp = timestamp
	overall.Duration = time.Since(timestamp)
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// GetLastResults returns the most recent results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for name, r := range m.lastResults {
		out[name] = r
	}
	return out
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func calculateOverallStatus(components map[string]CheckResult, summary Summary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Live: true}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true, // still alive but not ready
		}
	case degraded > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	case nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("All %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
}

// Start begins background health checking
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.backgroundChecker(ctx, m.stopCh)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
}

// Stop stops background health checking
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Health manager stopped")
}

func (m *Manager) backgroundChecker(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := m.GetDetailedHealth(ctx)
			if h.Overall.Status != StatusHealthy {
				m.logger.Warn("Background health check reported problems",
					zap.String("status", h.Overall.Status.String()),
					zap.String("message", h.Overall.Message),
				)
			}
		}
	}
}
