package limits

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/immortal/internal/monitoring"
)

// ResourceGuard enforces static process limits at upgrade time. It never
// recalculates limits from load; it only measures current usage on a
// ticker and answers yes or no. Limits left at zero are filled in from
// the cgroup memory limit when one is visible.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	proc *process.Process

	currentCPU atomic.Value // float64, percent
	currentMem atomic.Value // int64, bytes

	// Live connection count owned by the frontend server, read atomically.
	conns *int64
}

type GuardConfig struct {
	MaxConnections   int     // 0 derives from the memory limit
	MaxGoroutines    int     // default 50000
	CPURejectPercent float64 // default 85
	MemoryLimitBytes int64   // 0 detects the cgroup limit
}

func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger, conns *int64) *ResourceGuard {
	if cfg.MemoryLimitBytes == 0 {
		cfg.MemoryLimitBytes = detectMemoryLimit()
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = deriveMaxConnections(cfg.MemoryLimitBytes)
	}
	if cfg.MaxGoroutines == 0 {
		cfg.MaxGoroutines = 50000
	}
	if cfg.CPURejectPercent == 0 {
		cfg.CPURejectPercent = 85.0
	}

	rg := &ResourceGuard{
		cfg:    cfg,
		logger: logger.With().Str("component", "resource_guard").Logger(),
		conns:  conns,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMem.Store(int64(0))

	// Per-process RSS beats system-wide numbers when available.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		rg.proc = proc
	}

	rg.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Int("max_goroutines", cfg.MaxGoroutines).
		Float64("cpu_reject_percent", cfg.CPURejectPercent).
		Int64("memory_limit_bytes", cfg.MemoryLimitBytes).
		Msg("resource guard initialized")

	return rg
}

// ShouldAccept decides whether a new connection fits within the static
// limits. Checks run cheapest first: connection count, then the CPU and
// memory brakes, then the goroutine ceiling.
func (rg *ResourceGuard) ShouldAccept() (accept bool, reason string) {
	conns := atomic.LoadInt64(rg.conns)
	cpuPct := rg.currentCPU.Load().(float64)
	memBytes := rg.currentMem.Load().(int64)
	goros := runtime.NumGoroutine()

	if conns >= int64(rg.cfg.MaxConnections) {
		monitoring.UpgradesRejectedTotal.WithLabelValues("max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}

	if cpuPct > rg.cfg.CPURejectPercent {
		monitoring.UpgradesRejectedTotal.WithLabelValues("cpu").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, rg.cfg.CPURejectPercent)
	}

	if rg.cfg.MemoryLimitBytes > 0 && memBytes > rg.cfg.MemoryLimitBytes {
		monitoring.UpgradesRejectedTotal.WithLabelValues("memory").Inc()
		return false, "memory limit exceeded"
	}

	if goros > rg.cfg.MaxGoroutines {
		monitoring.UpgradesRejectedTotal.WithLabelValues("goroutines").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, rg.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// UpdateResources samples CPU and memory once and publishes the readings
// to the admission checks and the Prometheus gauges.
func (rg *ResourceGuard) UpdateResources() {
	// 100ms window: instant enough for a periodic sampler, long enough
	// for a stable delta. cpu.Percent(0, ...) has no baseline on the
	// first call.
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		rg.currentCPU.Store(pcts[0])
		monitoring.CPUUsagePercent.Set(pcts[0])
	} else if err != nil {
		rg.logger.Warn().Err(err).Msg("cpu sample failed")
	}

	var memBytes int64
	if rg.proc != nil {
		if info, err := rg.proc.MemoryInfo(); err == nil {
			memBytes = int64(info.RSS)
		}
	}
	if memBytes == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			memBytes = int64(vm.Used)
		}
	}
	if memBytes > 0 {
		rg.currentMem.Store(memBytes)
		monitoring.MemoryUsageBytes.Set(float64(memBytes))
	}

	monitoring.ObserveRuntime()

	rg.logger.Debug().
		Float64("cpu_percent", rg.currentCPU.Load().(float64)).
		Int64("memory_bytes", rg.currentMem.Load().(int64)).
		Int64("connections", atomic.LoadInt64(rg.conns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring samples on a ticker until ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resourceGuardMonitor", nil)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
}

// MaxConnections reports the effective limit after cgroup derivation.
func (rg *ResourceGuard) MaxConnections() int {
	return rg.cfg.MaxConnections
}

// Stats snapshots the guard state for the health endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"max_connections":     rg.cfg.MaxConnections,
		"current_connections": atomic.LoadInt64(rg.conns),
		"cpu_percent":         rg.currentCPU.Load().(float64),
		"cpu_reject_percent":  rg.cfg.CPURejectPercent,
		"memory_bytes":        rg.currentMem.Load().(int64),
		"memory_limit_bytes":  rg.cfg.MemoryLimitBytes,
		"goroutines":          runtime.NumGoroutine(),
		"max_goroutines":      rg.cfg.MaxGoroutines,
	}
}
