// Package fleet owns the set of live room processes.
package fleet

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

type Option func(*Controller)

// WithProxies configures the proxies rooms may be assigned to.
// perProxy caps how many rooms are placed on a proxy automatically;
// zero means unlimited.
func WithProxies(perProxy int, proxies ...Proxy) Option {
	return func(c *Controller) {
		c.proxies = proxyPool{proxies: proxies, perProxy: perProxy}
	}
}

// WithRequireToken makes Open fail when no token is given instead of
// only warning about it.
func WithRequireToken(require bool) Option {
	return func(c *Controller) {
		c.requireToken = require
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) {
		c.registerer = reg
	}
}

// Controller is the sole owner of the live rooms. Structural changes to
// the room set are serialized by mu, but slow process work (spawning,
// terminating, reading titles) happens outside of it.
type Controller struct {
	logger       slog.Logger
	spawner      Spawner
	catalog      *Catalog
	proxies      proxyPool
	requireToken bool
	clock        quartz.Clock
	registerer   prometheus.Registerer
	metrics      *metrics

	mu    sync.Mutex
	rooms []*Room
	// reserved counts proxy slots held by opens that are still spawning.
	reserved map[string]int
	watchers sync.WaitGroup
}

func New(logger slog.Logger, spawner Spawner, catalog *Catalog, opts ...Option) *Controller {
	c := &Controller{
		logger:     logger,
		spawner:    spawner,
		catalog:    catalog,
		clock:      quartz.NewReal(),
		registerer: prometheus.NewRegistry(),
		reserved:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.registerer)
	return c
}

// Catalog returns the bots rooms can be opened with.
func (c *Controller) Catalog() *Catalog {
	return c.catalog
}

// Proxies returns the configured proxies.
func (c *Controller) Proxies() []Proxy {
	return append([]Proxy(nil), c.proxies.proxies...)
}

// OpenResult is returned by a successful Open.
type OpenResult struct {
	Room     *Room
	JoinLink string
	PID      int32
	// Warnings are problems that did not prevent the room from opening.
	Warnings []string
}

// Open spawns a room running the script of botID. proxy selects a
// configured proxy by label; when empty the least loaded proxy is used,
// or none if no proxy has capacity.
func (c *Controller) Open(ctx context.Context, botID, token, proxy string) (res OpenResult, err error) {
	defer func() { c.metrics.observe("open", err) }()

	payload, err := c.catalog.Payload(botID)
	if err != nil {
		return OpenResult{}, err
	}
	if token == "" {
		if c.requireToken {
			return OpenResult{}, ErrMissingToken
		}
		res.Warnings = append(res.Warnings, "No token was given, the room host may reject the room.")
	}

	px, err := c.reserveProxy(proxy)
	if err != nil {
		return OpenResult{}, err
	}
	defer c.releaseProxy(px)

	logger := c.logger.With(slog.F("bot", botID))
	if px != nil {
		logger = logger.With(slog.F("proxy", px.Label))
	}
	logger.Info(ctx, "opening room")

	proc, err := c.spawner.Spawn(ctx, SpawnRequest{
		Bot:     botID,
		Payload: payload,
		Token:   token,
		Proxy:   px,
	})
	if err != nil {
		logger.Warn(ctx, "spawn room", slog.Error(err))
		return OpenResult{}, &SpawnFailedError{Bot: botID, Err: err}
	}

	room := &Room{
		ID:       uuid.New(),
		Bot:      strings.ToLower(botID),
		OpenedAt: c.clock.Now(),
		proc:     proc,
	}
	if px != nil {
		room.Proxy = px.Label
	}

	c.mu.Lock()
	for _, r := range c.rooms {
		if r.PID() == proc.PID() {
			c.mu.Unlock()
			_ = proc.Terminate(ctx)
			return OpenResult{}, &SpawnFailedError{
				Bot: botID,
				Err: xerrors.Errorf("process id %d is already owned by room %s", proc.PID(), r.ID),
			}
		}
	}
	c.rooms = append(c.rooms, room)
	c.metrics.rooms.Set(float64(len(c.rooms)))
	c.watchers.Add(1)
	c.mu.Unlock()

	go c.watch(room)

	logger.Info(ctx, "room opened",
		slog.F("room_id", room.ID),
		slog.F("pid", proc.PID()),
		slog.F("join_link", proc.JoinLink()))

	res.Room = room
	res.JoinLink = proc.JoinLink()
	res.PID = proc.PID()
	return res, nil
}

func (c *Controller) reserveProxy(label string) (*Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if label != "" {
		px, ok := c.proxies.lookup(label)
		if !ok {
			return nil, xerrors.Errorf("%w: %q", ErrUnknownProxy, label)
		}
		c.reserved[px.Label]++
		return &px, nil
	}

	load := make(map[string]int, len(c.reserved))
	for l, n := range c.reserved {
		load[l] = n
	}
	for _, r := range c.rooms {
		if r.HasProxy() {
			load[r.Proxy]++
		}
	}
	px, ok := c.proxies.pick(load)
	if !ok {
		return nil, nil
	}
	c.reserved[px.Label]++
	return &px, nil
}

func (c *Controller) releaseProxy(px *Proxy) {
	if px == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved[px.Label]--
	if c.reserved[px.Label] <= 0 {
		delete(c.reserved, px.Label)
	}
}

// watch removes the room once its process exits on its own.
func (c *Controller) watch(room *Room) {
	defer c.watchers.Done()
	<-room.proc.Done()
	if c.remove(room) && !room.closing.Load() {
		c.logger.Warn(context.Background(), "room process exited",
			slog.F("room_id", room.ID),
			slog.F("bot", room.Bot),
			slog.F("pid", room.PID()))
	}
}

// remove deletes room from the set and reports whether it was present.
func (c *Controller) remove(room *Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rooms {
		if r == room {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			c.metrics.rooms.Set(float64(len(c.rooms)))
			return true
		}
	}
	return false
}

// List returns a snapshot of the live rooms in the order they were
// opened.
func (c *Controller) List() []*Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Room(nil), c.rooms...)
}

// Len returns the number of live rooms.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Close terminates the first room, in opening order, whose title equals
// target, ignoring case. When no title matches, the first room whose
// proxy label matches is closed instead. It returns false when no room
// matches. The room is removed even if terminating it fails; the error
// is returned alongside true.
func (c *Controller) Close(ctx context.Context, target string) (closed bool, err error) {
	defer func() {
		if closed || err != nil {
			c.metrics.observe("close", err)
		}
	}()

	target = strings.TrimSpace(target)
	if target == "" {
		return false, nil
	}

	for _, room := range c.candidates(ctx, target) {
		// Another close may have claimed this room while we were
		// reading titles.
		if !room.closing.CompareAndSwap(false, true) {
			continue
		}
		err := room.proc.Terminate(ctx)
		c.remove(room)
		if err != nil {
			c.logger.Warn(ctx, "terminate room", slog.F("room_id", room.ID), slog.Error(err))
			return true, xerrors.Errorf("terminate room %s: %w", room.ID, err)
		}
		c.logger.Info(ctx, "room closed", slog.F("room_id", room.ID), slog.F("target", target))
		return true, nil
	}
	return false, nil
}

// candidates returns the rooms matching target: title matches first,
// then proxy matches, each in opening order.
func (c *Controller) candidates(ctx context.Context, target string) []*Room {
	var byTitle, byProxy []*Room
	for _, room := range c.List() {
		title, err := room.Title(ctx)
		if err != nil {
			c.logger.Debug(ctx, "read room title", slog.F("room_id", room.ID), slog.Error(err))
		} else if strings.EqualFold(strings.TrimSpace(title), target) {
			byTitle = append(byTitle, room)
			continue
		}
		if room.HasProxy() && strings.EqualFold(room.Proxy, target) {
			byProxy = append(byProxy, room)
		}
	}
	return append(byTitle, byProxy...)
}

// CloseAll terminates every live room. Each room is terminated
// independently; failures are logged and returned together once every
// termination has been attempted. All attempted rooms are removed.
func (c *Controller) CloseAll(ctx context.Context) error {
	rooms := c.List()

	var (
		mu   sync.Mutex
		merr error
		wg   sync.WaitGroup
	)
	for _, room := range rooms {
		if !room.closing.CompareAndSwap(false, true) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := room.proc.Terminate(ctx)
			c.remove(room)
			c.metrics.observe("close", err)
			if err != nil {
				c.logger.Warn(ctx, "terminate room", slog.F("room_id", room.ID), slog.Error(err))
				mu.Lock()
				merr = multierror.Append(merr, xerrors.Errorf("terminate room %s: %w", room.ID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.logger.Info(ctx, "closed all rooms", slog.F("count", len(rooms)))
	return merr
}

// Wait blocks until every room watcher has exited. Callers must have
// closed all rooms first.
func (c *Controller) Wait() {
	c.watchers.Wait()
}
