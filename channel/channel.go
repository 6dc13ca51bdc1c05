// Package channel exposes the console over HTTP. Operators talk to it
// through a websocket, or through a webhook that answers synchronously.
package channel

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"cdr.dev/slog/v3"
	"github.com/coder/roomctl/console"
	"github.com/coder/roomctl/tracing"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler processes a single operator message.
type Handler interface {
	Handle(ctx context.Context, msg console.Message, rw console.Responder) bool
}

// Frame types sent to websocket clients.
const (
	FrameReply = "reply"
	FrameEdit  = "edit"
)

// Frame is a reply pushed to a websocket client. An edit frame replaces
// the content of the reply frame with the same ID.
type Frame struct {
	Type  string        `json:"type"`
	ID    uuid.UUID     `json:"id"`
	Reply console.Reply `json:"reply"`
}

// MessageRequest is the body of a webhook call.
type MessageRequest struct {
	SenderID  string `json:"sender_id" validate:"required"`
	ChannelID string `json:"channel_id,omitempty"`
	Text      string `json:"text" validate:"required"`
}

// MessageResponse is the answer to a webhook call. Replies holds the
// final content of every reply the command produced.
type MessageResponse struct {
	Handled bool            `json:"handled"`
	Replies []console.Reply `json:"replies"`
}

// Response is a generic status body.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Options struct {
	Logger  slog.Logger
	Handler Handler
	// Secret, when set, must be presented as a bearer token on every
	// API request.
	Secret     string
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// TracerProvider, if set, traces every request.
	TracerProvider trace.TracerProvider
}

type Server struct {
	opts     Options
	logger   slog.Logger
	metrics  *metrics
	validate *validator.Validate

	// wg tracks commands started from websocket connections.
	wg sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Gatherer == nil {
		if g, ok := opts.Registerer.(prometheus.Gatherer); ok {
			opts.Gatherer = g
		} else {
			opts.Gatherer = prometheus.NewRegistry()
		}
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  newMetrics(opts.Registerer),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes returns the HTTP handler serving the channel.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		attachRequestID,
		logRequests(s.logger),
		recoverer(s.logger),
	)
	if s.opts.TracerProvider != nil {
		r.Use(tracing.HTTPMW(s.opts.TracerProvider, "github.com/coder/roomctl/channel"))
	}
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		write(r.Context(), s.logger, rw, http.StatusOK, Response{Message: "ok"})
	})
	r.Get("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Route("/api/v0", func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Get("/ws", s.serveWebsocket)
		r.Post("/messages", s.postMessage)
	})
	return r
}

// Wait blocks until every command started from a websocket has
// finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.Secret == "" {
			next.ServeHTTP(rw, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Secret)) != 1 {
			s.logger.Info(r.Context(), "rejected request with bad credentials",
				slog.F("remote_addr", r.RemoteAddr),
				slog.F("path", r.URL.Path))
			write(r.Context(), s.logger, rw, http.StatusUnauthorized, Response{
				Message: "Missing or invalid bearer token.",
			})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) postMessage(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req MessageRequest
	if !s.read(rw, r, &req) {
		return
	}

	// A dispatched command runs to completion even if the client gives
	// up waiting for it.
	rec := &collector{}
	handled := s.opts.Handler.Handle(context.WithoutCancel(ctx), console.Message{
		SenderID:  req.SenderID,
		ChannelID: req.ChannelID,
		Text:      req.Text,
	}, rec)
	s.metrics.messages.WithLabelValues("webhook", handledLabel(handled)).Inc()

	write(ctx, s.logger, rw, http.StatusOK, MessageResponse{
		Handled: handled,
		Replies: rec.replies(),
	})
}

func (s *Server) serveWebsocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "accept websocket connection", slog.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing connection")

	logger := s.logger.With(slog.F("remote_addr", r.RemoteAddr))
	logger.Info(r.Context(), "client connected")
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	var wg sync.WaitGroup
	defer wg.Wait()
	// ctx is canceled before waiting so pending writes to a closed
	// connection fail fast.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Commands are detached from the connection. Only their replies
	// depend on it.
	cmdCtx := context.WithoutCancel(ctx)
	responder := &wsResponder{conn: conn, ctx: ctx}
	for {
		var msg console.Message
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				logger.Info(ctx, "client disconnected")
			} else {
				logger.Warn(ctx, "read from websocket", slog.Error(err))
			}
			return
		}
		if msg.Text == "" {
			logger.Debug(ctx, "ignoring empty message")
			continue
		}

		// Conn.Write is safe for concurrent use.
		wg.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer wg.Done()
			handled := s.opts.Handler.Handle(cmdCtx, msg, responder)
			s.metrics.messages.WithLabelValues("websocket", handledLabel(handled)).Inc()
		}()
	}
}

func handledLabel(handled bool) string {
	if handled {
		return "handled"
	}
	return "ignored"
}

// wsResponder writes frames under the connection's context rather than
// the command's.
type wsResponder struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsResponder) Send(_ context.Context, reply console.Reply) (console.Posted, error) {
	p := &wsPost{conn: w.conn, ctx: w.ctx, id: uuid.New()}
	if err := wsjson.Write(w.ctx, w.conn, Frame{Type: FrameReply, ID: p.id, Reply: reply}); err != nil {
		return nil, err
	}
	return p, nil
}

type wsPost struct {
	conn *websocket.Conn
	ctx  context.Context
	id   uuid.UUID
}

func (p *wsPost) Edit(_ context.Context, reply console.Reply) error {
	return wsjson.Write(p.ctx, p.conn, Frame{Type: FrameEdit, ID: p.id, Reply: reply})
}

// collector keeps replies in memory for the webhook response.
type collector struct {
	mu    sync.Mutex
	posts []*collectedPost
}

func (c *collector) Send(_ context.Context, reply console.Reply) (console.Posted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &collectedPost{c: c, reply: reply}
	c.posts = append(c.posts, p)
	return p, nil
}

func (c *collector) replies() []console.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]console.Reply, 0, len(c.posts))
	for _, p := range c.posts {
		out = append(out, p.reply)
	}
	return out
}

type collectedPost struct {
	c     *collector
	reply console.Reply
}

func (p *collectedPost) Edit(_ context.Context, reply console.Reply) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.reply = reply
	return nil
}
