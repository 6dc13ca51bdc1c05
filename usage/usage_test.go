package usage_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"
	"github.com/coder/roomctl/testutil"
	"github.com/coder/roomctl/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	stats usage.HostStats
	err   error
}

func (f fakeHost) Host(context.Context) (usage.HostStats, error) {
	return f.stats, f.err
}

type fakeProcs struct {
	stats map[int32]usage.ProcessStats
	calls atomic.Int32
	// block holds every call until all expected calls are in flight,
	// proving the samples are taken concurrently.
	block chan struct{}
	want  int32
}

func (f *fakeProcs) Process(ctx context.Context, pid int32) (usage.ProcessStats, error) {
	if f.calls.Add(1) == f.want && f.block != nil {
		close(f.block)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return usage.ProcessStats{}, ctx.Err()
		}
	}
	s, ok := f.stats[pid]
	if !ok {
		return usage.ProcessStats{}, xerrors.Errorf("process %d not found", pid)
	}
	return s, nil
}

type fakeRoom struct {
	title string
	pid   int32
	err   error
}

func (r fakeRoom) Title(context.Context) (string, error) { return r.title, r.err }
func (r fakeRoom) PID() int32                            { return r.pid }

func TestAggregator(t *testing.T) {
	t.Parallel()

	t.Run("Report", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		clock := quartz.NewMock(t)
		now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		clock.Set(now)

		host := fakeHost{stats: usage.HostStats{
			CPUCount:      8,
			CPUPercent:    25,
			MemoryUsedMB:  3072,
			MemoryTotalMB: 4096,
			OS:            "Ubuntu 24.04",
			Uptime:        26*time.Hour + 3*time.Minute + 4*time.Second,
		}}
		procs := &fakeProcs{
			stats: map[int32]usage.ProcessStats{
				1:  {CPUPercent: 1.5, MemoryBytes: 10 * 1024 * 1024},
				10: {CPUPercent: 12.25, MemoryBytes: 100 * 1024 * 1024},
				11: {CPUPercent: 0, MemoryBytes: 1024 * 1024},
			},
			block: make(chan struct{}),
			want:  3,
		}
		agg := usage.New(testutil.Logger(t), host, procs,
			usage.WithClock(clock), usage.WithConsolePID(1))

		report, err := agg.Sample(ctx, []usage.Room{
			fakeRoom{title: "Room A", pid: 10},
			fakeRoom{title: "Room B", pid: 11},
		})
		require.NoError(t, err)
		assert.Equal(t, now, report.SampledAt)
		assert.Equal(t, host.stats, report.Host)
		assert.InDelta(t, 75.0, report.IdlePercent(), 0.001)
		assert.InDelta(t, 25.0, report.MemoryFreePercent(), 0.001)
		assert.Equal(t, "26:03:04", usage.FormatUptime(report.Host.Uptime))

		assert.Equal(t, "console", report.Console.Title)
		assert.InDelta(t, 10.0, report.Console.MemoryMB(), 0.001)

		require.Len(t, report.Rooms, 2)
		assert.Equal(t, "Room A", report.Rooms[0].Title)
		assert.EqualValues(t, 10, report.Rooms[0].PID)
		assert.InDelta(t, 12.25, report.Rooms[0].CPUPercent, 0.001)
		assert.Equal(t, "Room B", report.Rooms[1].Title)
		assert.NoError(t, report.Rooms[1].Err)

		table := report.RoomsTable()
		assert.Contains(t, table, "Room A")
		assert.Contains(t, table, "12.25%")
		assert.Contains(t, table, "100.00 MB")
	})

	t.Run("PartialFailure", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		procs := &fakeProcs{stats: map[int32]usage.ProcessStats{
			1:  {},
			10: {CPUPercent: 3, MemoryBytes: 1},
		}}
		agg := usage.New(testutil.Logger(t), fakeHost{}, procs, usage.WithConsolePID(1))

		report, err := agg.Sample(ctx, []usage.Room{
			fakeRoom{title: "Gone", pid: 99},
			fakeRoom{title: "Alive", pid: 10},
			fakeRoom{pid: 12, err: xerrors.New("target closed")},
		})
		require.NoError(t, err)
		require.Len(t, report.Rooms, 3)
		assert.Error(t, report.Rooms[0].Err)
		assert.Equal(t, "Gone", report.Rooms[0].Title)
		assert.NoError(t, report.Rooms[1].Err)
		assert.InDelta(t, 3.0, report.Rooms[1].CPUPercent, 0.001)
		assert.ErrorContains(t, report.Rooms[2].Err, "target closed")

		table := report.RoomsTable()
		// Two failed rooms, each with CPU and memory unavailable.
		assert.Equal(t, 4, strings.Count(table, "unavailable"))
	})

	t.Run("HostFailure", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		agg := usage.New(testutil.Logger(t), fakeHost{err: xerrors.New("no proc fs")}, &fakeProcs{})
		_, err := agg.Sample(ctx, nil)
		require.ErrorContains(t, err, "no proc fs")
	})

	t.Run("NoRooms", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		agg := usage.New(testutil.Logger(t), fakeHost{}, &fakeProcs{stats: map[int32]usage.ProcessStats{1: {}}},
			usage.WithConsolePID(1))
		report, err := agg.Sample(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, report.Rooms)
		assert.Equal(t, "No rooms are running.", report.RoomsTable())
	})
}

func TestFormatUptime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "00:00:00", usage.FormatUptime(0))
	assert.Equal(t, "00:00:00", usage.FormatUptime(-time.Second))
	assert.Equal(t, "01:01:01", usage.FormatUptime(time.Hour+time.Minute+time.Second+500*time.Millisecond))
	assert.Equal(t, "100:00:00", usage.FormatUptime(100*time.Hour))
}
