package clistat

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-sysinfo"
	"golang.org/x/xerrors"

	sysinfotypes "github.com/elastic/go-sysinfo/types"

	"github.com/coder/quartz"
)

// Prefix is an SI prefix for a unit.
type Prefix string

// Float64 returns the prefix as a float64.
func (m *Prefix) Float64() (float64, error) {
	switch *m {
	case PrefixDeciShort, PrefixDeci:
		return 0.1, nil
	case PrefixCentiShort, PrefixCenti:
		return 0.01, nil
	case PrefixKiloShort, PrefixKilo:
		return 1_000.0, nil
	case PrefixMegaShort, PrefixMega:
		return 1_000_000.0, nil
	case PrefixGigaShort, PrefixGiga:
		return 1_000_000_000.0, nil
	case PrefixKibiShort, PrefixKibi:
		return 1024.0, nil
	case PrefixMebiShort, PrefixMebi:
		return 1_048_576.0, nil
	case PrefixGibiShort, PrefixGibi:
		return 1_073_741_824.0, nil
	default:
		return 0, xerrors.Errorf("unknown prefix: %s", *m)
	}
}

const (
	PrefixDeci  Prefix = "deci"
	PrefixCenti Prefix = "centi"

	PrefixDeciShort  Prefix = "d"
	PrefixCentiShort Prefix = "c"

	PrefixKilo Prefix = "kilo"
	PrefixMega Prefix = "mega"
	PrefixGiga Prefix = "giga"

	PrefixKiloShort Prefix = "K"
	PrefixMegaShort Prefix = "M"
	PrefixGigaShort Prefix = "G"

	PrefixKibi Prefix = "kibi"
	PrefixMebi Prefix = "mebi"
	PrefixGibi Prefix = "gibi"

	PrefixKibiShort Prefix = "Ki"
	PrefixMebiShort Prefix = "Mi"
	PrefixGibiShort Prefix = "Gi"
)

// Result is a generic result type for a statistic.
// Total is the total amount of the resource available.
// It is nil if the resource is not a finite quantity.
// Unit is the unit of the resource.
// Used is the amount of the resource used.
type Result struct {
	Total *float64 `json:"total"`
	Unit  string   `json:"unit"`
	Used  float64  `json:"used"`
	// Prefix controls the string representation of the result.
	Prefix Prefix `json:"-"`
}

// Percent returns Used as a percentage of Total, or zero when Total is
// unknown or zero.
func (r *Result) Percent() float64 {
	if r == nil || r.Total == nil || *r.Total == 0 {
		return 0
	}
	return 100.0 * r.Used / *r.Total
}

// Scaled returns v divided by the result's prefix. Unknown prefixes
// leave the value untouched.
func (r *Result) Scaled(v float64) float64 {
	scale, err := r.Prefix.Float64()
	if err != nil {
		return v
	}
	return v / scale
}

// String returns a human-readable representation of the result.
func (r *Result) String() string {
	if r == nil {
		return "-"
	}
	var sb strings.Builder
	prefix := string(r.Prefix)
	if _, err := r.Prefix.Float64(); err != nil {
		prefix = ""
	}
	_, _ = sb.WriteString(strconv.FormatFloat(r.Scaled(r.Used), 'f', 1, 64))
	if r.Total != (*float64)(nil) {
		_, _ = sb.WriteString("/")
		_, _ = sb.WriteString(strconv.FormatFloat(r.Scaled(*r.Total), 'f', 1, 64))
	}
	if r.Unit != "" {
		_, _ = sb.WriteString(" ")
		_, _ = sb.WriteString(prefix)
		_, _ = sb.WriteString(r.Unit)
	}
	if r.Total != (*float64)(nil) && *r.Total != 0.0 {
		_, _ = sb.WriteString(" (")
		_, _ = sb.WriteString(strconv.FormatFloat(r.Percent(), 'f', 0, 64))
		_, _ = sb.WriteString("%)")
	}
	return sb.String()
}

// Statter is a system statistics collector.
// It is a thin wrapper around the elastic/go-sysinfo and
// shirou/gopsutil libraries.
type Statter struct {
	hi             sysinfotypes.Host
	clock          quartz.Clock
	sampleInterval time.Duration
	nproc          int
}

type Option func(*Statter)

// WithSampleInterval sets the sample interval for the statter.
func WithSampleInterval(d time.Duration) Option {
	return func(s *Statter) {
		s.sampleInterval = d
	}
}

// WithClock sets the clock used to wait between CPU samples.
func WithClock(c quartz.Clock) Option {
	return func(s *Statter) {
		s.clock = c
	}
}

func New(opts ...Option) (*Statter, error) {
	hi, err := sysinfo.Host()
	if err != nil {
		return nil, xerrors.Errorf("get host info: %w", err)
	}
	s := &Statter{
		hi:             hi,
		clock:          quartz.NewReal(),
		sampleInterval: 100 * time.Millisecond,
		nproc:          runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Statter) wait(ctx context.Context) error {
	t := s.clock.NewTimer(s.sampleInterval, "clistat", "wait")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HostCPU returns the CPU usage of the host. This is calculated by
// taking two samples of CPU usage and calculating the difference.
// Total will always be equal to the number of cores.
// Used will be an estimate of the number of cores used during the sample interval.
// Units are in "cores".
func (s *Statter) HostCPU(ctx context.Context, m Prefix) (*Result, error) {
	total := float64(s.nproc)
	r := &Result{
		Unit:   "cores",
		Total:  &total,
		Prefix: m,
	}
	c1, err := s.hi.CPUTime()
	if err != nil {
		return nil, xerrors.Errorf("get first cpu sample: %w", err)
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	c2, err := s.hi.CPUTime()
	if err != nil {
		return nil, xerrors.Errorf("get second cpu sample: %w", err)
	}
	elapsed := c2.Total() - c1.Total()
	if elapsed == 0 {
		return r, nil // no change
	}
	idle := c2.Idle - c1.Idle
	used := elapsed - idle
	scaleFactor := float64(s.nproc) / elapsed.Seconds()
	r.Used = used.Seconds() * scaleFactor
	return r, nil
}

// HostMemory returns the memory usage of the host. Used excludes
// reclaimable memory so that Total-Used is what is actually available.
func (s *Statter) HostMemory(m Prefix) (*Result, error) {
	r := &Result{
		Unit:   "B",
		Prefix: m,
	}
	hm, err := s.hi.Memory()
	if err != nil {
		return nil, xerrors.Errorf("get memory info: %w", err)
	}
	total := float64(hm.Total)
	r.Total = &total
	r.Used = float64(hm.Total - hm.Available)
	return r, nil
}

// HostInfo describes the operating system and how long the host has
// been running.
type HostInfo struct {
	OS     string
	Uptime time.Duration
}

// Info returns the operating system identification and the uptime of
// the host.
func (s *Statter) Info() (HostInfo, error) {
	info := s.hi.Info()
	var hi HostInfo
	if info.OS != nil {
		hi.OS = strings.TrimSpace(fmt.Sprintf("%s %s", info.OS.Name, info.OS.Version))
	}
	if hi.OS == "" {
		hi.OS = runtime.GOOS
	}
	if info.Architecture != "" {
		hi.OS += " (" + info.Architecture + ")"
	}
	if !info.BootTime.IsZero() {
		hi.Uptime = s.clock.Since(info.BootTime)
	}
	return hi, nil
}

// CPUCount returns the number of logical CPUs visible to the process.
func (s *Statter) CPUCount() int {
	return s.nproc
}
