// Package usage aggregates host, console and per-room resource usage into
// a single point-in-time report.
package usage

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// HostStats is a point-in-time sample of the host.
type HostStats struct {
	CPUCount      int
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryTotalMB float64
	OS            string
	Uptime        time.Duration
}

// ProcessStats is a point-in-time sample of a single process.
type ProcessStats struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// HostTelemetry reads host wide statistics.
type HostTelemetry interface {
	Host(ctx context.Context) (HostStats, error)
}

// ProcessTelemetry reads statistics of a single process.
type ProcessTelemetry interface {
	Process(ctx context.Context, pid int32) (ProcessStats, error)
}

// Room is the read-only view of a live room the aggregator needs.
type Room interface {
	Title(ctx context.Context) (string, error)
	PID() int32
}

// Sample is the usage of a single process.
type Sample struct {
	Title       string
	PID         int32
	CPUPercent  float64
	MemoryBytes uint64
	// Err is set when the process could not be sampled. The other
	// fields except PID and Title are zero in that case.
	Err error
}

// MemoryMB returns the resident memory in megabytes.
func (s Sample) MemoryMB() float64 {
	return float64(s.MemoryBytes) / 1024 / 1024
}

// Report is the consolidated usage of the host, the console and every
// live room.
type Report struct {
	SampledAt time.Time
	Host      HostStats
	Console   Sample
	Rooms     []Sample
}

// IdlePercent is the share of host CPU not in use.
func (r Report) IdlePercent() float64 {
	return 100 - r.Host.CPUPercent
}

// MemoryFreePercent is the share of host memory available.
func (r Report) MemoryFreePercent() float64 {
	if r.Host.MemoryTotalMB == 0 {
		return 0
	}
	return 100 * (r.Host.MemoryTotalMB - r.Host.MemoryUsedMB) / r.Host.MemoryTotalMB
}

type Option func(*Aggregator)

// WithClock sets the clock used to timestamp reports.
func WithClock(c quartz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// WithConsolePID overrides the pid sampled as the console process.
func WithConsolePID(pid int32) Option {
	return func(a *Aggregator) {
		a.consolePID = pid
	}
}

// Aggregator produces usage reports. It keeps no state between calls.
type Aggregator struct {
	logger     slog.Logger
	host       HostTelemetry
	procs      ProcessTelemetry
	clock      quartz.Clock
	consolePID int32
}

func New(logger slog.Logger, host HostTelemetry, procs ProcessTelemetry, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger: logger,
		host:   host,
		procs:  procs,
		clock:  quartz.NewReal(),
		//nolint:gosec // pids fit in int32.
		consolePID: int32(os.Getpid()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sample reads the host, the console process and every room in rooms
// concurrently. A room that cannot be sampled is reported with Err set
// instead of failing the report. Only a host failure fails the call.
func (a *Aggregator) Sample(ctx context.Context, rooms []Room) (Report, error) {
	report := Report{
		SampledAt: a.clock.Now(),
		Rooms:     make([]Sample, len(rooms)),
	}

	var eg errgroup.Group
	eg.Go(func() error {
		host, err := a.host.Host(ctx)
		if err != nil {
			return xerrors.Errorf("sample host: %w", err)
		}
		report.Host = host
		return nil
	})

	eg.Go(func() error {
		report.Console = a.sampleProcess(ctx, a.consolePID)
		report.Console.Title = "console"
		return nil
	})

	// Each goroutine owns one index of report.Rooms.
	for i, room := range rooms {
		eg.Go(func() error {
			report.Rooms[i] = a.sampleRoom(ctx, room)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return Report{}, err
	}
	return report, nil
}

func (a *Aggregator) sampleRoom(ctx context.Context, room Room) Sample {
	pid := room.PID()
	title, err := room.Title(ctx)
	if err != nil {
		a.logger.Warn(ctx, "read room title", slog.F("pid", pid), slog.Error(err))
		return Sample{PID: pid, Err: xerrors.Errorf("read title: %w", err)}
	}
	s := a.sampleProcess(ctx, pid)
	s.Title = title
	return s
}

func (a *Aggregator) sampleProcess(ctx context.Context, pid int32) Sample {
	stats, err := a.procs.Process(ctx, pid)
	if err != nil {
		a.logger.Warn(ctx, "sample process", slog.F("pid", pid), slog.Error(err))
		return Sample{PID: pid, Err: err}
	}
	return Sample{
		PID:         pid,
		CPUPercent:  stats.CPUPercent,
		MemoryBytes: stats.MemoryBytes,
	}
}
