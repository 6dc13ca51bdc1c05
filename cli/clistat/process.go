package clistat

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/xerrors"
)

// ProcessResult is a point-in-time sample of a single process.
type ProcessResult struct {
	PID        int32
	CPUPercent float64
	RSSBytes   uint64
}

// Process samples the CPU and resident memory of the process with the
// given pid. CPU usage is measured over the statter's sample interval,
// so concurrent calls for different pids overlap their waits.
func (s *Statter) Process(ctx context.Context, pid int32) (ProcessResult, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessResult{}, xerrors.Errorf("find process %d: %w", pid, err)
	}
	cpu, err := p.PercentWithContext(ctx, s.sampleInterval)
	if err != nil {
		return ProcessResult{}, xerrors.Errorf("sample cpu of process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessResult{}, xerrors.Errorf("sample memory of process %d: %w", pid, err)
	}
	return ProcessResult{
		PID:        pid,
		CPUPercent: cpu,
		RSSBytes:   mem.RSS,
	}, nil
}
