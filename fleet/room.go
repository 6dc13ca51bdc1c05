package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Process is a running room process.
type Process interface {
	// Title reads the room's display name from the process. It is never
	// cached.
	Title(ctx context.Context) (string, error)
	PID() int32
	// JoinLink is the link players use to enter the room.
	JoinLink() string
	// Terminate stops the process and waits for it to exit.
	Terminate(ctx context.Context) error
	// Done is closed once the process has exited for any reason.
	Done() <-chan struct{}
}

// SpawnRequest describes a room process to start.
type SpawnRequest struct {
	Bot     string
	Payload []byte
	Token   string
	// Proxy is nil when the room connects directly.
	Proxy *Proxy
}

// Spawner starts room processes. Spawn must not return until the room is
// reachable and its join link is known.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// Room is a live room owned by a Controller.
type Room struct {
	ID       uuid.UUID
	Bot      string
	OpenedAt time.Time
	// Proxy is empty when the room connects directly.
	Proxy string

	proc    Process
	closing atomic.Bool
}

func (r *Room) Title(ctx context.Context) (string, error) {
	return r.proc.Title(ctx)
}

func (r *Room) PID() int32 {
	return r.proc.PID()
}

func (r *Room) JoinLink() string {
	return r.proc.JoinLink()
}

// HasProxy reports whether the room was assigned a proxy.
func (r *Room) HasProxy() bool {
	return r.Proxy != ""
}

// ProxyLabel returns the label of the room's proxy, or an empty string.
func (r *Room) ProxyLabel() string {
	return r.Proxy
}
