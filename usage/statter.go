package usage

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/coder/roomctl/cli/clistat"
)

// Statter reads host and process telemetry from the local machine.
type Statter struct {
	s *clistat.Statter
}

var (
	_ HostTelemetry    = (*Statter)(nil)
	_ ProcessTelemetry = (*Statter)(nil)
)

func NewStatter(s *clistat.Statter) *Statter {
	return &Statter{s: s}
}

func (st *Statter) Host(ctx context.Context) (HostStats, error) {
	var (
		eg  errgroup.Group
		cpu *clistat.Result
		mem *clistat.Result
	)
	eg.Go(func() (err error) {
		cpu, err = st.s.HostCPU(ctx, "")
		return err
	})
	eg.Go(func() (err error) {
		mem, err = st.s.HostMemory(clistat.PrefixMebiShort)
		return err
	})
	if err := eg.Wait(); err != nil {
		return HostStats{}, err
	}
	info, err := st.s.Info()
	if err != nil {
		return HostStats{}, err
	}
	return HostStats{
		CPUCount:      st.s.CPUCount(),
		CPUPercent:    cpu.Percent(),
		MemoryUsedMB:  mem.Scaled(mem.Used),
		MemoryTotalMB: mem.Scaled(*mem.Total),
		OS:            info.OS,
		Uptime:        info.Uptime,
	}, nil
}

func (st *Statter) Process(ctx context.Context, pid int32) (ProcessStats, error) {
	r, err := st.s.Process(ctx, pid)
	if err != nil {
		return ProcessStats{}, err
	}
	return ProcessStats{
		CPUPercent:  r.CPUPercent,
		MemoryBytes: r.RSSBytes,
	}, nil
}
