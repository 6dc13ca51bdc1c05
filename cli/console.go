package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/roomctl/channel"
	"github.com/coder/roomctl/cli/clistat"
	"github.com/coder/roomctl/cli/config"
	"github.com/coder/roomctl/console"
	"github.com/coder/roomctl/fleet"
	"github.com/coder/roomctl/fleet/roomproc"
	"github.com/coder/roomctl/tracing"
	"github.com/coder/roomctl/usage"
	"github.com/coder/serpent"
)

// consoleFlags override values from the configuration file when set.
type consoleFlags struct {
	prefix        string
	operators     []string
	bots          []string
	listen        string
	secret        string
	requireToken  bool
	roomsPerProxy int64
	hostURL       string
	browser       string
	headful       bool
	startTimeout  time.Duration
	shutdownGrace time.Duration
	trace         tracing.TracerOpts
}

func (f *consoleFlags) apply(cfg *config.Config) error {
	if f.prefix != "" {
		cfg.Prefix = f.prefix
	}
	cfg.Operators = append(cfg.Operators, f.operators...)
	for _, b := range f.bots {
		name, path, ok := strings.Cut(b, "=")
		if !ok || name == "" || path == "" {
			return xerrors.Errorf("--bot %q must be of the form name=path", b)
		}
		if cfg.Bots == nil {
			cfg.Bots = map[string]string{}
		}
		cfg.Bots[name] = path
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.secret != "" {
		cfg.Secret = f.secret
	}
	if f.requireToken {
		cfg.RequireToken = true
	}
	if f.roomsPerProxy > 0 {
		cfg.RoomsPerProxy = int(f.roomsPerProxy)
	}
	if f.hostURL != "" {
		cfg.Room.HostURL = f.hostURL
	}
	if f.browser != "" {
		cfg.Room.Browser = f.browser
	}
	if f.headful {
		cfg.Room.Headful = true
	}
	if f.startTimeout > 0 {
		cfg.Room.StartTimeout = f.startTimeout
	}
	return cfg.Validate()
}

func (r *RootCmd) console() *serpent.Command {
	var flags consoleFlags
	cmd := &serpent.Command{
		Use:   "console",
		Short: "Start the console and serve the messaging channel",
		Handler: func(inv *serpent.Invocation) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			if err := flags.apply(cfg); err != nil {
				return err
			}

			if flags.trace.Enabled() {
				r.logging.Trace = true
			}
			logger, closeLog, err := r.logging.Build(inv)
			if err != nil {
				return xerrors.Errorf("make logger: %w", err)
			}
			defer closeLog()

			ctx, stop := inv.SignalNotifyContext(inv.Context(), StopSignals...)
			defer stop()

			return r.runConsole(ctx, inv, logger, cfg, flags)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "prefix",
			Env:         envPrefix + "PREFIX",
			Description: "Text that marks a message as a command.",
			Value:       serpent.StringOf(&flags.prefix),
		},
		{
			Flag:        "operator",
			Env:         envPrefix + "OPERATORS",
			Description: "Sender identity allowed to issue commands. Added to those in the configuration file.",
			Value:       serpent.StringArrayOf(&flags.operators),
		},
		{
			Flag:        "bot",
			Env:         envPrefix + "BOTS",
			Description: "Bot to make available, as name=path/to/script.js.",
			Value:       serpent.StringArrayOf(&flags.bots),
		},
		{
			Flag:        "listen",
			Env:         envPrefix + "LISTEN",
			Description: "Address the messaging channel listens on.",
			Value:       serpent.StringOf(&flags.listen),
		},
		{
			Flag:        "secret",
			Env:         envPrefix + "SECRET",
			Description: "Bearer token required by the messaging channel.",
			Value:       serpent.StringOf(&flags.secret),
		},
		{
			Flag:        "require-token",
			Env:         envPrefix + "REQUIRE_TOKEN",
			Description: "Refuse to open rooms without a room token.",
			Value:       serpent.BoolOf(&flags.requireToken),
		},
		{
			Flag:        "rooms-per-proxy",
			Env:         envPrefix + "ROOMS_PER_PROXY",
			Description: "Maximum rooms automatically assigned to a single proxy.",
			Value:       serpent.Int64Of(&flags.roomsPerProxy),
		},
		{
			Flag:        "host-url",
			Env:         envPrefix + "HOST_URL",
			Description: "Page that provides the room API.",
			Value:       serpent.StringOf(&flags.hostURL),
		},
		{
			Flag:        "browser",
			Env:         envPrefix + "BROWSER",
			Description: "Path to the Chrome or Chromium binary.",
			Value:       serpent.StringOf(&flags.browser),
		},
		{
			Flag:        "headful",
			Env:         envPrefix + "HEADFUL",
			Description: "Show room browsers instead of running them headless.",
			Value:       serpent.BoolOf(&flags.headful),
		},
		{
			Flag:        "start-timeout",
			Env:         envPrefix + "START_TIMEOUT",
			Description: "How long a room may take to publish its link.",
			Value:       serpent.DurationOf(&flags.startTimeout),
		},
		{
			Flag:        "shutdown-grace",
			Env:         envPrefix + "SHUTDOWN_GRACE",
			Description: "How long to wait for rooms to close on shutdown.",
			Default:     "30s",
			Value:       serpent.DurationOf(&flags.shutdownGrace),
		},
		{
			Flag:        "trace",
			Env:         envPrefix + "TRACE_ENABLE",
			Description: "Export traces over OTLP/gRPC, configured by the OTEL_EXPORTER_OTLP_* environment variables.",
			Value:       serpent.BoolOf(&flags.trace.Default),
		},
		{
			Flag:        "trace-endpoint",
			Env:         envPrefix + "TRACE_ENDPOINT",
			Description: "OTLP collector address, e.g. localhost:4317. Enables tracing.",
			Value:       serpent.StringOf(&flags.trace.Endpoint),
		},
		{
			Flag:        "trace-insecure",
			Env:         envPrefix + "TRACE_INSECURE",
			Description: "Connect to the OTLP collector without TLS.",
			Value:       serpent.BoolOf(&flags.trace.Insecure),
		},
	}
	cmd.Options = append(cmd.Options, r.logging.Options()...)
	return cmd
}

func (r *RootCmd) runConsole(ctx context.Context, inv *serpent.Invocation, logger slog.Logger, cfg *config.Config, flags consoleFlags) error {
	tracerProvider, closeTracing, err := tracing.TracerProvider(ctx, logger.Named("tracing"), "roomctl", flags.trace)
	if err != nil {
		return xerrors.Errorf("tracer provider: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	catalog := fleet.NewCatalog(r.fs, cfg.Bots)
	spawner := r.spawner
	if spawner == nil {
		spawner = roomproc.NewLauncher(logger.Named("roomproc"), roomproc.Config{
			HostURL:      cfg.Room.HostURL,
			ExecPath:     cfg.Room.Browser,
			Headless:     !cfg.Room.Headful,
			StartTimeout: cfg.Room.StartTimeout,
		}, quartz.NewReal())
	}
	rooms := fleet.New(logger.Named("fleet"), spawner, catalog,
		fleet.WithProxies(cfg.RoomsPerProxy, cfg.Proxies...),
		fleet.WithRequireToken(cfg.RequireToken),
		fleet.WithRegisterer(registry),
	)

	statter, err := clistat.New()
	if err != nil {
		return xerrors.Errorf("host statistics: %w", err)
	}
	st := usage.NewStatter(statter)
	aggregator := usage.New(logger.Named("usage"), st, st)

	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	gate := console.NewGate(cfg.Operators...)
	if gate.Len() == 0 {
		logger.Warn(ctx, "no operators are configured, every command will be ignored")
	}
	dispatcher := console.New(console.Options{
		Logger:         logger.Named("console"),
		Prefix:         cfg.Prefix,
		Gate:           gate,
		Fleet:          rooms,
		Sampler:        aggregator,
		Shutdown:       shutdown,
		Settings:       cfg.Settings(),
		Registerer:     registry,
		TracerProvider: tracerProvider,
	})
	server := channel.New(channel.Options{
		Logger:         logger.Named("channel"),
		Handler:        dispatcher,
		Secret:         cfg.Secret,
		Registerer:     registry,
		Gatherer:       registry,
		TracerProvider: tracerProvider,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	logger.Info(ctx, "console started",
		slog.F("address", ln.Addr().String()),
		slog.F("bots", catalog.Names()),
		slog.F("operators", gate.Len()),
		slog.F("proxies", len(cfg.Proxies)))
	_, _ = fmt.Fprintf(inv.Stdout, "Listening on http://%s\n", ln.Addr())
	if r.onListen != nil {
		r.onListen(ln.Addr())
	}

	var exitErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !xerrors.Is(err, http.ErrServerClosed) {
			exitErr = xerrors.Errorf("serve channel: %w", err)
		}
	}
	logger.Info(context.Background(), "shutting down", slog.F("rooms", rooms.Len()))

	graceCtx, cancel := context.WithTimeout(context.Background(), flags.shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(graceCtx); err != nil {
		logger.Warn(graceCtx, "shut down channel", slog.Error(err))
	}
	server.Wait()
	if err := rooms.CloseAll(graceCtx); err != nil {
		logger.Warn(graceCtx, "close rooms", slog.Error(err))
	}
	rooms.Wait()
	if err := closeTracing(graceCtx); err != nil {
		logger.Warn(graceCtx, "flush traces", slog.Error(err))
	}
	_, _ = fmt.Fprintln(inv.Stdout, "Stopped.")
	return exitErr
}
