// Package console turns operator messages into fleet operations.
package console

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/roomctl/fleet"
	"github.com/coder/roomctl/usage"
)

// Fleet is the set of rooms commands operate on.
type Fleet interface {
	Open(ctx context.Context, botID, token, proxy string) (fleet.OpenResult, error)
	Close(ctx context.Context, target string) (bool, error)
	CloseAll(ctx context.Context) error
	List() []*fleet.Room
	Catalog() *fleet.Catalog
	Proxies() []fleet.Proxy
}

// Sampler produces usage reports.
type Sampler interface {
	Sample(ctx context.Context, rooms []usage.Room) (usage.Report, error)
}

// Options configures a Dispatcher.
type Options struct {
	Logger  slog.Logger
	Prefix  string
	Gate    *Gate
	Fleet   Fleet
	Sampler Sampler
	// Shutdown is called by the exit command once every room is
	// closed.
	Shutdown func()
	// Settings is shown by "diag config". It must not contain secrets.
	Settings map[string]string

	Clock          quartz.Clock
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Dispatcher routes commands from operators. It holds no state between
// messages.
type Dispatcher struct {
	opts     Options
	logger   slog.Logger
	clock    quartz.Clock
	tracer   trace.Tracer
	metrics  *metrics
	handlers map[string]handler
}

type handler struct {
	usage       string
	description string
	fn          func(ctx context.Context, inv *invocation) error
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	if opts.Shutdown == nil {
		opts.Shutdown = func() {}
	}
	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		tracer:  opts.TracerProvider.Tracer("github.com/coder/roomctl/console"),
		metrics: newMetrics(opts.Registerer),
	}
	d.handlers = map[string]handler{
		"help": {
			description: "Show this list.",
			fn:          d.help,
		},
		"info": {
			description: "List open rooms grouped by proxy and the available bots.",
			fn:          d.info,
		},
		"meminfo": {
			description: "Show CPU and memory usage of the host, the console and every room.",
			fn:          d.meminfo,
		},
		"open": {
			usage:       "<bot> <token> [proxy]",
			description: "Open a room running a bot's script.",
			fn:          d.open,
		},
		"close": {
			usage:       "<room title or proxy>",
			description: "Close the first room whose title or proxy matches.",
			fn:          d.close,
		},
		"exit": {
			description: "Close every room and stop the console.",
			fn:          d.exit,
		},
		"diag": {
			usage:       "[fleet|config|version]",
			description: "Show diagnostics.",
			fn:          d.diag,
		},
	}
	return d
}

// Handle processes msg and reports whether it was a command the sender
// was allowed to run. Ignored messages get no reply. Handled commands
// always get exactly one reply, replaced in place if the command posts
// progress first. Handle never panics.
func (d *Dispatcher) Handle(ctx context.Context, msg Message, rw Responder) bool {
	cmd, ok := Parse(d.opts.Prefix, msg.Text)
	if !ok {
		return false
	}
	logger := d.logger.With(
		slog.F("sender_id", msg.SenderID),
		slog.F("channel_id", msg.ChannelID),
		slog.F("command", cmd.Name),
	)
	if !d.opts.Gate.Authorized(msg.SenderID) {
		logger.Info(ctx, "ignoring command from unauthorized sender")
		d.metrics.observe(metricName(d.handlers, cmd.Name), "unauthorized", 0)
		return false
	}
	h, ok := d.handlers[cmd.Name]
	if !ok {
		logger.Debug(ctx, "ignoring unknown command")
		d.metrics.observe("unknown", "ignored", 0)
		return false
	}

	ctx, span := d.tracer.Start(ctx, "console.command",
		trace.WithAttributes(
			attribute.String("command", cmd.Name),
			attribute.String("sender_id", msg.SenderID),
		))
	defer span.End()

	start := d.clock.Now()
	inv := &invocation{cmd: cmd, msg: msg, rw: rw}
	err := d.run(ctx, h, inv)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn(ctx, "command failed", slog.Error(err))
		err = inv.Reply(ctx, Reply{
			Title: "Command failed",
			Body:  err.Error(),
			Error: true,
		})
	} else if !inv.replied() {
		err = inv.Reply(ctx, Reply{Title: "Done"})
	}
	if err != nil {
		logger.Error(ctx, "send reply", slog.Error(err))
	}
	d.metrics.observe(cmd.Name, result, d.clock.Since(start))
	logger.Info(ctx, "handled command", slog.F("result", result), slog.F("elapsed", d.clock.Since(start)))
	return true
}

// run calls the handler, turning panics into errors.
func (d *Dispatcher) run(ctx context.Context, h handler, inv *invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "command panicked",
				slog.F("command", inv.cmd.Name),
				slog.F("panic", r),
				slog.F("stack", string(debug.Stack())))
			err = xerrors.Errorf("internal error: %v", r)
		}
	}()
	return h.fn(ctx, inv)
}

func metricName(handlers map[string]handler, name string) string {
	if _, ok := handlers[name]; ok {
		return name
	}
	return "unknown"
}

func (d *Dispatcher) commandNames() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) usageOf(name string) string {
	h := d.handlers[name]
	if h.usage == "" {
		return d.opts.Prefix + name
	}
	return fmt.Sprintf("%s%s %s", d.opts.Prefix, name, h.usage)
}

// invocation is a single command being handled.
type invocation struct {
	cmd    Command
	msg    Message
	rw     Responder
	posted Posted
}

// Reply sends reply, or replaces the reply already sent for this
// command.
func (inv *invocation) Reply(ctx context.Context, reply Reply) error {
	if inv.posted != nil {
		return inv.posted.Edit(ctx, reply)
	}
	posted, err := inv.rw.Send(ctx, reply)
	if err != nil {
		return err
	}
	inv.posted = posted
	return nil
}

func (inv *invocation) replied() bool {
	return inv.posted != nil
}
