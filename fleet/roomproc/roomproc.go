// Package roomproc runs rooms inside headless browsers driven by chromedp.
package roomproc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/coder/roomctl/fleet"
)

const (
	// DefaultHostURL is the page that provides the room API.
	DefaultHostURL = "https://www.haxball.com/headless"
	// DefaultReadyExpression reports whether the room API has loaded.
	DefaultReadyExpression = `typeof HBInit === "function"`
	// DefaultLinkExpression returns the room link once the room is
	// reachable, or an empty string.
	DefaultLinkExpression = `(() => {
	const frame = document.querySelector("iframe");
	const doc = frame && frame.contentDocument;
	const a = doc && doc.querySelector("#roomlink a");
	return a ? a.href : "";
})()`
	// TokenGlobal is the window property holding the room token while
	// the payload runs.
	TokenGlobal = "ROOMCTL_TOKEN"
)

// Config controls how room browsers are started.
type Config struct {
	// HostURL is navigated to before the payload is evaluated.
	HostURL string
	// ExecPath is the browser binary. Empty uses chromedp's lookup.
	ExecPath string
	// Headless can be disabled to watch rooms while debugging.
	Headless        bool
	ReadyExpression string
	LinkExpression  string
	// StartTimeout bounds how long a room may take to become
	// reachable.
	StartTimeout time.Duration
	// LivenessInterval is how often the browser process is checked
	// for having exited on its own.
	LivenessInterval time.Duration
	// UserDataRoot is where per-room profile directories are created.
	// Empty uses the system temp dir.
	UserDataRoot string
}

func (c *Config) setDefaults() {
	if c.HostURL == "" {
		c.HostURL = DefaultHostURL
	}
	if c.ReadyExpression == "" {
		c.ReadyExpression = DefaultReadyExpression
	}
	if c.LinkExpression == "" {
		c.LinkExpression = DefaultLinkExpression
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Minute
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 5 * time.Second
	}
}

// Launcher spawns a browser per room.
type Launcher struct {
	logger slog.Logger
	cfg    Config
	clock  quartz.Clock
}

var _ fleet.Spawner = (*Launcher)(nil)

func NewLauncher(logger slog.Logger, cfg Config, clock quartz.Clock) *Launcher {
	cfg.setDefaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Launcher{logger: logger, cfg: cfg, clock: clock}
}

// browserFlags returns the command line flags for a room browser.
func (l *Launcher) browserFlags(proxy *fleet.Proxy) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                      l.cfg.Headless,
		"disable-gpu":                   true,
		"mute-audio":                    true,
		"no-first-run":                  true,
		"no-default-browser-check":      true,
		"disable-background-networking": true,
		// Rooms keep running while the page is in the background.
		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
		"disable-renderer-backgrounding":         true,
	}
	if proxy != nil {
		flags["proxy-server"] = proxy.URL
	}
	return flags
}

func (l *Launcher) allocatorOptions(userDataDir string, proxy *fleet.Proxy) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.UserDataDir(userDataDir),
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	for name, value := range l.browserFlags(proxy) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// tokenScript assigns token to TokenGlobal.
func tokenScript(token string) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", xerrors.Errorf("encode token: %w", err)
	}
	return "window." + TokenGlobal + " = " + string(raw) + ";", nil
}

// Spawn starts a browser, loads the room host page, runs the payload and
// waits until the room link appears.
func (l *Launcher) Spawn(ctx context.Context, req fleet.SpawnRequest) (_ fleet.Process, err error) {
	dir, err := os.MkdirTemp(l.cfg.UserDataRoot, "roomctl-room-*")
	if err != nil {
		return nil, xerrors.Errorf("create user data dir: %w", err)
	}

	// The browser must outlive the request that opened it, so it is
	// rooted in a fresh context rather than ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(dir, req.Proxy)...)
	logger := l.logger.With(slog.F("bot", req.Bot))
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug(context.Background(), "chromedp error", slog.F("detail", fmt.Sprintf(format, args...)))
		}),
	)
	p := &Process{
		logger:        logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		userDataDir:   dir,
		done:          make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = p.Terminate(context.Background())
		}
	}()

	// The first Run allocates the browser and must use the browser
	// context itself, or cancelling would close the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, xerrors.Errorf("start browser: %w", err)
	}
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil || c.Browser.Process() == nil {
		return nil, xerrors.New("browser process is unavailable")
	}
	//nolint:gosec // pids fit in int32.
	p.pid = int32(c.Browser.Process().Pid)

	startCtx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancel()
	runCtx, stop := p.runCtx(startCtx)
	defer stop()

	script, err := tokenScript(req.Token)
	if err != nil {
		return nil, err
	}
	err = chromedp.Run(runCtx, chromedp.Navigate(l.cfg.HostURL))
	if err != nil {
		return nil, xerrors.Errorf("navigate to %s: %w", l.cfg.HostURL, err)
	}
	if _, err := poll(runCtx, l.cfg.ReadyExpression, func(v interface{}) bool {
		ok, _ := v.(bool)
		return ok
	}); err != nil {
		return nil, xerrors.Errorf("wait for room api: %w", err)
	}
	if err := chromedp.Run(runCtx,
		chromedp.Evaluate(script, nil),
		chromedp.Evaluate(string(req.Payload), nil),
	); err != nil {
		return nil, xerrors.Errorf("evaluate payload: %w", err)
	}
	link, err := poll(runCtx, l.cfg.LinkExpression, func(v interface{}) bool {
		s, _ := v.(string)
		return s != ""
	})
	if err != nil {
		return nil, xerrors.Errorf("wait for room link: %w", err)
	}
	p.link, _ = link.(string)

	go p.watch(l.clock, l.cfg.LivenessInterval)
	logger.Debug(ctx, "room browser started", slog.F("pid", p.pid), slog.F("user_data_dir", dir))
	return p, nil
}

// poll evaluates expr with backoff until ok accepts the result.
func poll(ctx context.Context, expr string, ok func(interface{}) bool) (interface{}, error) {
	var lastErr error
	for r := retry.New(50*time.Millisecond, 2*time.Second); r.Wait(ctx); {
		var v interface{}
		err := chromedp.Run(ctx, chromedp.Evaluate(expr, &v))
		if err != nil {
			lastErr = err
			continue
		}
		if ok(v) {
			return v, nil
		}
	}
	if lastErr != nil {
		return nil, xerrors.Errorf("%w (last error: %s)", ctx.Err(), lastErr)
	}
	return nil, ctx.Err()
}

// Process is a room running in a browser.
type Process struct {
	logger        slog.Logger
	pid           int32
	link          string
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	userDataDir   string

	terminating   atomic.Bool
	terminateOnce sync.Once
	terminateErr  error
	done          chan struct{}
	doneOnce      sync.Once
}

var _ fleet.Process = (*Process)(nil)

// runCtx returns a child of the browser context that is also cancelled
// with ctx. Cancelling it never closes the browser.
func (p *Process) runCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(p.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

func (p *Process) PID() int32       { return p.pid }
func (p *Process) JoinLink() string { return p.link }

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Title returns the title of the room page.
func (p *Process) Title(ctx context.Context) (string, error) {
	rctx, stop := p.runCtx(ctx)
	defer stop()
	var title string
	if err := chromedp.Run(rctx, chromedp.Title(&title)); err != nil {
		return "", xerrors.Errorf("read title: %w", err)
	}
	return title, nil
}

// Terminate closes the browser gracefully, then kills it and removes its
// profile directory. It is safe to call more than once.
func (p *Process) Terminate(ctx context.Context) error {
	p.terminating.Store(true)
	p.terminateOnce.Do(func() {
		closed := make(chan error, 1)
		go func() { closed <- chromedp.Cancel(p.browserCtx) }()
		select {
		case err := <-closed:
			if err != nil && !xerrors.Is(err, context.Canceled) {
				p.terminateErr = xerrors.Errorf("close browser: %w", err)
			}
		case <-ctx.Done():
			p.terminateErr = xerrors.Errorf("close browser: %w", ctx.Err())
		}
		// Kills the process if it is still running and waits for it.
		p.allocCancel()
		p.browserCancel()
		if err := os.RemoveAll(p.userDataDir); err != nil {
			p.logger.Warn(ctx, "remove user data dir", slog.F("dir", p.userDataDir), slog.Error(err))
		}
		p.doneOnce.Do(func() { close(p.done) })
	})
	return p.terminateErr
}

// watch closes done if the browser exits without Terminate.
func (p *Process) watch(clock quartz.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval, "roomproc", "liveness")
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.browserCtx.Done():
		case <-ticker.C:
			alive, err := process.PidExistsWithContext(p.browserCtx, p.pid)
			if err != nil || alive {
				continue
			}
		}
		if !p.terminating.Load() {
			p.logger.Warn(context.Background(), "room browser exited", slog.F("pid", p.pid))
		}
		_ = p.Terminate(context.Background())
		return
	}
}
