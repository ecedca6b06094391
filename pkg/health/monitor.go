package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusUnknown   ComponentStatus = "unknown"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckReport is a point-in-time view of one check.
type CheckReport struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`
}

// Overview is the monitor-wide report served by the admin API.
type Overview struct {
	Status     ComponentStatus `json:"status"`
	Hostname   string          `json:"hostname"`
	Components []CheckReport   `json:"components"`
}

type HealthMonitor struct {
	hostname      string
	checks        map[string]*HealthCheck
	order         []string
	mu            sync.RWMutex
	overallStatus ComponentStatus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func NewHealthMonitor(hostname string) *HealthMonitor {
	return &HealthMonitor{
		hostname:      hostname,
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusUnknown

	hm.mu.Lock()
	if _, exists := hm.checks[check.Name]; !exists {
		hm.order = append(hm.order, check.Name)
	}
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every registered check once and then on its own interval until
// ctx is cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, name := range hm.order {
		check := hm.checks[name]
		hm.wg.Add(1)
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debugf("[HEALTH] Started monitoring '%s' with interval %v", check.Name, check.Interval)
	hm.performCheck(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

// CheckNow runs all checks synchronously.
func (hm *HealthMonitor) CheckNow(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.order))
	for _, name := range hm.order {
		checks = append(checks, hm.checks[name])
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		hm.performCheck(ctx, check)
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Errorf("[HEALTH] PANIC during check for component '%s': %v", check.Name, err)

			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()

			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	metrics.HealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previousStatus := check.status

	if err != nil {
		check.failCount++
		check.lastError = err

		// A single failure degrades; a sustained failure rate is unhealthy.
		failureRate := float64(check.failCount) / float64(check.checkCount)
		if failureRate >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
		logger.Warnf("[HEALTH] check '%s' failed: %v (status: %s, failure rate: %.2f)",
			check.Name, err, check.status, failureRate)
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	currentStatus := check.status
	check.mu.Unlock()

	var statusValue float64
	switch currentStatus {
	case StatusHealthy:
		statusValue = 2
	case StatusDegraded:
		statusValue = 1
	}
	metrics.ComponentHealthStatus.WithLabelValues(check.Name, hm.hostname).Set(statusValue)

	if previousStatus != currentStatus {
		logger.Infof("[HEALTH] check '%s' status changed: %s -> %s", check.Name, previousStatus, currentStatus)
	}
	hm.updateOverallStatus()
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch {
		case critical && status == StatusUnhealthy:
			criticalUnhealthy = true
		case status == StatusDegraded || status == StatusUnhealthy:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Infof("[HEALTH] overall system status changed: %s -> %s", previousStatus, hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()
	if !exists {
		return StatusUnknown, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

// Overview reports the overall status and every check in registration order.
func (hm *HealthMonitor) Overview() Overview {
	hm.mu.RLock()
	out := Overview{
		Status:     hm.overallStatus,
		Hostname:   hm.hostname,
		Components: make([]CheckReport, 0, len(hm.order)),
	}
	checks := make([]*HealthCheck, 0, len(hm.order))
	for _, name := range hm.order {
		checks = append(checks, hm.checks[name])
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		check.mu.RLock()
		r := CheckReport{
			Name:       check.Name,
			Status:     check.status,
			Critical:   check.Critical,
			LastCheck:  check.lastCheck,
			CheckCount: check.checkCount,
			FailCount:  check.failCount,
		}
		if check.lastError != nil {
			r.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		out.Components = append(out.Components, r)
	}
	return out
}
