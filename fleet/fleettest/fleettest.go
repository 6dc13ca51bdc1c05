// Package fleettest provides in-memory room processes for tests.
package fleettest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/coder/roomctl/fleet"
)

// Process is a fake room process.
type Process struct {
	pid      int32
	link     string
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.Mutex
	title        string
	titleErr     error
	terminateErr error
	terminated   bool
}

var _ fleet.Process = (*Process)(nil)

func (p *Process) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.titleErr != nil {
		return "", p.titleErr
	}
	return p.title, nil
}

// SetTitle changes the title the room reports.
func (p *Process) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetTitleErr makes Title fail with err.
func (p *Process) SetTitleErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.titleErr = err
}

// SetTerminateErr makes Terminate fail with err. The process still
// exits.
func (p *Process) SetTerminateErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateErr = err
}

func (p *Process) PID() int32       { return p.pid }
func (p *Process) JoinLink() string { return p.link }

func (p *Process) Terminate(context.Context) error {
	p.mu.Lock()
	p.terminated = true
	err := p.terminateErr
	p.mu.Unlock()
	p.Exit()
	return err
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Exit simulates the process exiting on its own.
func (p *Process) Exit() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Spawner starts fake processes. Titles default to "<bot> room <n>".
type Spawner struct {
	nextPID atomic.Int32

	mu       sync.Mutex
	err      error
	titles   []string
	requests []fleet.SpawnRequest
	procs    []*Process
	// Hold, if set, blocks Spawn until it is closed.
	Hold chan struct{}
}

var _ fleet.Spawner = (*Spawner)(nil)

func NewSpawner() *Spawner {
	s := &Spawner{}
	s.nextPID.Store(1000)
	return s
}

// SetError makes subsequent spawns fail with err.
func (s *Spawner) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// QueueTitles sets the titles of the next spawned rooms, in order.
func (s *Spawner) QueueTitles(titles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, titles...)
}

func (s *Spawner) Spawn(ctx context.Context, req fleet.SpawnRequest) (fleet.Process, error) {
	if s.Hold != nil {
		select {
		case <-s.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(req.Payload) == 0 {
		return nil, xerrors.New("empty payload")
	}
	pid := s.nextPID.Add(1)
	title := fmt.Sprintf("%s room %d", req.Bot, len(s.procs)+1)
	if len(s.titles) > 0 {
		title, s.titles = s.titles[0], s.titles[1:]
	}
	p := &Process{
		pid:   pid,
		link:  fmt.Sprintf("https://rooms.example.com/play?c=%d", pid),
		done:  make(chan struct{}),
		title: title,
	}
	s.procs = append(s.procs, p)
	return p, nil
}

// Requests returns every spawn request received.
func (s *Spawner) Requests() []fleet.SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleet.SpawnRequest(nil), s.requests...)
}

// Processes returns every process spawned successfully.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}
