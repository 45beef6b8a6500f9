// Package guard answers resource-admission questions: is enough GPU memory
// free for heavy inference, and is the user running something that should
// not be disturbed.
package guard

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// DefaultVRAMThresholdMB is the free-memory floor for vision-model admission.
const DefaultVRAMThresholdMB = 4096

// VRAMProbe returns free GPU memory in bytes. ok is false when GPU
// telemetry is unavailable.
type VRAMProbe func(ctx context.Context) (free int64, ok bool)

// ProcessLister returns the lowercased names of running processes.
type ProcessLister func(ctx context.Context) ([]string, error)

// SystemGuard gates expensive work behind GPU headroom and a blacklist of
// processes that mark the user as busy. Telemetry failures are fail-closed
// for GPU admission and fail-open for user activity.
type SystemGuard struct {
	logger          *zap.Logger
	vramThresholdMB int
	blacklist       map[string]struct{}

	vramProbe   VRAMProbe
	processList ProcessLister
}

// Option customizes a SystemGuard.
type Option func(*SystemGuard)

// WithVRAMProbe overrides the GPU telemetry probe.
func WithVRAMProbe(p VRAMProbe) Option {
	return func(g *SystemGuard) { g.vramProbe = p }
}

// WithProcessLister overrides the process enumeration.
func WithProcessLister(p ProcessLister) Option {
	return func(g *SystemGuard) { g.processList = p }
}

// New creates a SystemGuard. thresholdMB <= 0 uses the 4 GiB default; an
// empty blacklist disables the user-activity check.
func New(logger *zap.Logger, thresholdMB int, blacklist []string, opts ...Option) *SystemGuard {
	if thresholdMB <= 0 {
		thresholdMB = DefaultVRAMThresholdMB
	}
	set := make(map[string]struct{}, len(blacklist))
	for _, name := range blacklist {
		set[strings.ToLower(name)] = struct{}{}
	}
	g := &SystemGuard{
		logger:          logger.Named("guard"),
		vramThresholdMB: thresholdMB,
		blacklist:       set,
		vramProbe:       nvidiaSMIProbe,
		processList:     gopsutilLister,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FreeVRAMBytes returns free GPU memory in bytes, or ok=false when the
// telemetry subsystem is unavailable.
func (g *SystemGuard) FreeVRAMBytes(ctx context.Context) (int64, bool) {
	return g.vramProbe(ctx)
}

// CheckAvailable reports whether at least thresholdMB of GPU memory is free.
// Unavailable telemetry counts as not available.
func (g *SystemGuard) CheckAvailable(ctx context.Context, thresholdMB int) bool {
	free, ok := g.vramProbe(ctx)
	if !ok {
		return false
	}
	return free >= int64(thresholdMB)*1024*1024
}

// CanRunVisionModel reports whether the configured VRAM floor is free.
func (g *SystemGuard) CanRunVisionModel(ctx context.Context) bool {
	return g.CheckAvailable(ctx, g.vramThresholdMB)
}

// IsUserActive reports whether no blacklisted process is running. Process
// enumeration failure counts as inactive blacklist, not as a veto.
func (g *SystemGuard) IsUserActive(ctx context.Context) bool {
	if len(g.blacklist) == 0 {
		return true
	}
	names, err := g.processList(ctx)
	if err != nil {
		g.logger.Debug("process enumeration failed", zap.Error(err))
		return true
	}
	for _, name := range names {
		if _, hit := g.blacklist[name]; hit {
			g.logger.Info("blacklisted process running, deferring work",
				zap.String("process", name))
			return false
		}
	}
	return true
}

// SafeToRun gates the periodic loop: GPU headroom and no blacklisted process.
func (g *SystemGuard) SafeToRun(ctx context.Context) bool {
	return g.CanRunVisionModel(ctx) && g.IsUserActive(ctx)
}

// nvidiaSMIProbe queries free GPU memory through nvidia-smi. Absent or
// failing tooling reports telemetry as unavailable.
func nvidiaSMIProbe(ctx context.Context) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, false
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	freeMB, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, false
	}
	return freeMB * 1024 * 1024, true
}

// gopsutilLister enumerates lowercased process names.
func gopsutilLister(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, strings.ToLower(name))
	}
	return names, nil
}
