package channel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/roomctl/channel"
	"github.com/coder/roomctl/console"
	"github.com/coder/roomctl/fleet"
	"github.com/coder/roomctl/fleet/fleettest"
	"github.com/coder/roomctl/testutil"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type handlerFunc func(ctx context.Context, msg console.Message, rw console.Responder) bool

func (f handlerFunc) Handle(ctx context.Context, msg console.Message, rw console.Responder) bool {
	return f(ctx, msg, rw)
}

// echo replies with a placeholder and then replaces it with the text it
// was sent. Messages starting with "#" are ignored.
var echo = handlerFunc(func(ctx context.Context, msg console.Message, rw console.Responder) bool {
	if strings.HasPrefix(msg.Text, "#") {
		return false
	}
	posted, err := rw.Send(ctx, console.Reply{Title: "Working", Body: "…"})
	if err != nil {
		return true
	}
	_ = posted.Edit(ctx, console.Reply{Title: "Echo", Body: msg.SenderID + ": " + msg.Text})
	return true
})

func newServer(t *testing.T, secret string, h channel.Handler) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := channel.New(channel.Options{
		Logger:     testutil.Logger(t),
		Handler:    h,
		Secret:     secret,
		Registerer: reg,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Wait()
	})
	return ts, reg
}

func postMessage(ctx context.Context, t *testing.T, url, secret string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/v0/messages", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	t.Run("Handled", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ts, reg := newServer(t, "", echo)

		res := postMessage(ctx, t, ts.URL, "", `{"sender_id":"42","text":"!help"}`)
		require.Equal(t, http.StatusOK, res.StatusCode)

		var out channel.MessageResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		assert.True(t, out.Handled)
		require.Len(t, out.Replies, 1)
		assert.Equal(t, console.Reply{Title: "Echo", Body: "42: !help"}, out.Replies[0])

		metrics, err := reg.Gather()
		require.NoError(t, err)
		assert.True(t, testutil.PromCounterHasValue(t, metrics, 1, "roomctl_channel_messages_total", "handled", "webhook"))
	})

	t.Run("Ignored", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ts, _ := newServer(t, "", echo)

		res := postMessage(ctx, t, ts.URL, "", `{"sender_id":"42","text":"# just chatting"}`)
		require.Equal(t, http.StatusOK, res.StatusCode)

		var out channel.MessageResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		assert.False(t, out.Handled)
		assert.Empty(t, out.Replies)
	})

	t.Run("MissingText", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ts, _ := newServer(t, "", echo)

		res := postMessage(ctx, t, ts.URL, "", `{"sender_id":"42"}`)
		require.Equal(t, http.StatusBadRequest, res.StatusCode)

		var out channel.ValidationResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		require.Len(t, out.Errors, 1)
		assert.Equal(t, "Text", out.Errors[0].Field)
	})

	t.Run("BadJSON", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		ts, _ := newServer(t, "", echo)

		res := postMessage(ctx, t, ts.URL, "", `{"sender_id":`)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
}

func TestSecret(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	ts, _ := newServer(t, "hunter2", echo)
	body := `{"sender_id":"42","text":"!help"}`

	assert.Equal(t, http.StatusUnauthorized, postMessage(ctx, t, ts.URL, "", body).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, postMessage(ctx, t, ts.URL, "wrong", body).StatusCode)
	assert.Equal(t, http.StatusOK, postMessage(ctx, t, ts.URL, "hunter2", body).StatusCode)

	_, res, err := websocket.Dial(ctx, ts.URL+"/api/v0/ws", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Health and metrics stay open for probes.
	hres, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer hres.Body.Close()
	assert.Equal(t, http.StatusOK, hres.StatusCode)
}

func TestWebsocket(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ts, reg := newServer(t, "s3cret", echo)

	conn, _, err := websocket.Dial(ctx, ts.URL+"/api/v0/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer s3cret"}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Ignored messages produce nothing, so the first frame belongs to
	// the second message.
	require.NoError(t, wsjson.Write(ctx, conn, console.Message{SenderID: "42", Text: "# hi"}))
	require.NoError(t, wsjson.Write(ctx, conn, console.Message{SenderID: "42", Text: "!info"}))

	var first, second channel.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))

	assert.Equal(t, channel.FrameReply, first.Type)
	assert.Equal(t, "Working", first.Reply.Title)
	assert.Equal(t, channel.FrameEdit, second.Type)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "42: !info", second.Reply.Body)

	testutil.Eventually(ctx, t, func(context.Context) bool {
		metrics, err := reg.Gather()
		if err != nil {
			return false
		}
		return testutil.PromCounterHasValue(t, metrics, 1, "roomctl_channel_messages_total", "ignored", "websocket") &&
			testutil.PromGaugeHasValue(t, metrics, 1, "roomctl_channel_websocket_connections")
	}, testutil.IntervalFast)
}

func TestWebsocketDispatcher(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	d := console.New(console.Options{
		Logger: testutil.Logger(t),
		Prefix: "!",
		Gate:   console.NewGate("42"),
	})
	ts, _ := newServer(t, "", d)

	conn, _, err := websocket.Dial(ctx, ts.URL+"/api/v0/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, console.Message{SenderID: "7", Text: "!help"}))
	require.NoError(t, wsjson.Write(ctx, conn, console.Message{SenderID: "42", Text: "!help"}))

	var frame channel.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, channel.FrameReply, frame.Type)
	assert.Equal(t, "Commands", frame.Reply.Title)
	assert.NotEmpty(t, frame.Reply.Fields)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ts, _ := newServer(t, "", echo)

	_ = postMessage(ctx, t, ts.URL, "", `{"sender_id":"42","text":"!help"}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `roomctl_channel_messages_total{outcome="handled",transport="webhook"} 1`)
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ts, _ := newServer(t, "", echo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	_, err = uuid.Parse(res.Header.Get(channel.RequestIDHeader))
	require.NoError(t, err)
}

func TestHandlerPanic(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ts, _ := newServer(t, "", handlerFunc(func(context.Context, console.Message, console.Responder) bool {
		panic("boom")
	}))

	res := postMessage(ctx, t, ts.URL, "", `{"sender_id":"42","text":"!help"}`)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	// The server keeps serving.
	res = postMessage(ctx, t, ts.URL, "", `{"sender_id":"42"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

type spawnerFunc func(ctx context.Context, req fleet.SpawnRequest) (fleet.Process, error)

func (f spawnerFunc) Spawn(ctx context.Context, req fleet.SpawnRequest) (fleet.Process, error) {
	return f(ctx, req)
}

// newFleetDispatcher returns a dispatcher for operator "42" whose rooms
// are spawned by spawner.
func newFleetDispatcher(t *testing.T, logger slog.Logger, spawner fleet.Spawner) (*console.Dispatcher, *fleet.Controller) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bots/alpha.js", []byte("HBInit({roomName: 'alpha'})"), 0o644))
	fc := fleet.New(logger.Named("fleet"), spawner, fleet.NewCatalog(fs, map[string]string{"alpha": "/bots/alpha.js"}))
	t.Cleanup(func() {
		_ = fc.CloseAll(context.Background())
		fc.Wait()
	})
	return console.New(console.Options{
		Logger: logger.Named("console"),
		Prefix: "!",
		Gate:   console.NewGate("42"),
		Fleet:  fc,
	}), fc
}

func TestCommandOutlivesClient(t *testing.T) {
	t.Parallel()

	t.Run("Webhook", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		inner := fleettest.NewSpawner()
		hold := make(chan struct{})
		inner.Hold = hold
		spawning := make(chan struct{}, 1)
		d, fc := newFleetDispatcher(t, testutil.Logger(t), spawnerFunc(func(ctx context.Context, req fleet.SpawnRequest) (fleet.Process, error) {
			spawning <- struct{}{}
			return inner.Spawn(ctx, req)
		}))
		ts, _ := newServer(t, "", d)

		reqCtx, cancelReq := context.WithCancel(ctx)
		defer cancelReq()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ts.URL+"/api/v0/messages",
			bytes.NewBufferString(`{"sender_id":"42","text":"!open alpha tok"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		errs := make(chan error, 1)
		go func() {
			res, err := http.DefaultClient.Do(req)
			if err == nil {
				_ = res.Body.Close()
			}
			errs <- err
		}()

		// The client gives up while the room is still starting.
		testutil.RequireReceive(ctx, t, spawning)
		cancelReq()
		require.ErrorIs(t, testutil.RequireReceive(ctx, t, errs), context.Canceled)

		close(hold)
		testutil.Eventually(ctx, t, func(context.Context) bool {
			return fc.Len() == 1
		}, testutil.IntervalFast)
		require.Len(t, inner.Requests(), 1)
		assert.Equal(t, "alpha", fc.List()[0].Bot)
	})

	t.Run("Websocket", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		inner := fleettest.NewSpawner()
		hold := make(chan struct{})
		inner.Hold = hold
		spawning := make(chan struct{}, 1)
		// The reply to the departed client cannot be delivered.
		logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
		d, fc := newFleetDispatcher(t, logger, spawnerFunc(func(ctx context.Context, req fleet.SpawnRequest) (fleet.Process, error) {
			spawning <- struct{}{}
			return inner.Spawn(ctx, req)
		}))
		ts, _ := newServer(t, "", d)

		conn, _, err := websocket.Dial(ctx, ts.URL+"/api/v0/ws", nil)
		require.NoError(t, err)
		require.NoError(t, wsjson.Write(ctx, conn, console.Message{SenderID: "42", Text: "!open alpha tok"}))

		testutil.RequireReceive(ctx, t, spawning)
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

		close(hold)
		testutil.Eventually(ctx, t, func(context.Context) bool {
			return fc.Len() == 1
		}, testutil.IntervalFast)
		require.Len(t, inner.Requests(), 1)
	})
}
