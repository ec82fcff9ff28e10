package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsproc/internal/plugin"
	"github.com/zsiec/tsproc/internal/plugins"
	"github.com/zsiec/tsproc/internal/tsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startChain runs null -> regulate -> count -> drop, throttled so that the
// tests do not spin.
func startChain(t *testing.T) *tsp.Processor {
	t.Helper()
	reg := plugin.NewRegistry()
	plugins.Register(reg)

	p := tsp.New(tsp.Options{}, reg, testLogger())
	require.NoError(t, p.Start(plugin.Chain{
		Input: plugin.Spec{Kind: plugin.KindInput, Name: "null"},
		Processors: []plugin.Spec{
			{Kind: plugin.KindProcessor, Name: "regulate", Args: []string{"--bitrate", "1000000"}},
			{Kind: plugin.KindProcessor, Name: "count"},
		},
		Output: plugin.Spec{Kind: plugin.KindOutput, Name: "drop"},
	}))
	t.Cleanup(func() {
		p.Abort()
		select {
		case <-p.Done():
		case <-time.After(10 * time.Second):
			t.Error("processor did not terminate")
		}
	})
	return p
}

func newTestServer(t *testing.T, sources ...*net.IPNet) (*Server, *slog.LevelVar) {
	t.Helper()
	lv := new(slog.LevelVar)
	srv, err := NewServer(ServerConfig{
		Processor: startChain(t),
		Level:     lv,
		Sources:   sources,
		Log:       testLogger(),
	})
	require.NoError(t, err)
	return srv, lv
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHandleListPlugins(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var infos []PluginInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	require.Len(t, infos, 4)

	want := []struct{ kind, name string }{{"I", "null"}, {"P", "regulate"}, {"P", "count"}, {"O", "drop"}}
	for i, w := range want {
		assert.Equal(t, i, infos[i].Index)
		assert.Equal(t, w.kind, infos[i].Kind)
		assert.Equal(t, w.name, infos[i].Name)
	}
	assert.Equal(t, []string{"--bitrate", "1000000"}, infos[1].Args)
}

func TestHandleSuspendResume(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	h := srv.Handler()
	p := srv.config.Processor

	rec := do(t, h, http.MethodPost, "/plugins/2/suspend", "")
	require.Equal(t, http.StatusOK, rec.Code)
	e, err := p.Executor(2)
	require.NoError(t, err)
	assert.True(t, e.Suspended())

	rec = do(t, h, http.MethodPost, "/plugins/2/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.Suspended())

	rec = do(t, h, http.MethodPost, "/plugins/0/suspend", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "the input cannot be suspended")

	rec = do(t, h, http.MethodPost, "/plugins/9/suspend", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/plugins/x/resume", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRestart(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	h := srv.Handler()

	t.Run("same arguments", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/plugins/2/restart", `{"same": true}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RestartResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		require.NotEmpty(t, resp.Messages)
		assert.Contains(t, resp.Messages[0], "restarting plugin")
	})

	t.Run("new arguments", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/plugins/2/restart", `{"args": ["--interval", "1000"]}`)
		require.Equal(t, http.StatusOK, rec.Code)

		e, err := srv.config.Processor.Executor(2)
		require.NoError(t, err)
		assert.Equal(t, []string{"--interval", "1000"}, e.Args())
	})

	t.Run("invalid arguments roll back", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/plugins/2/restart", `{"args": ["--bogus"]}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp RestartResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "previous parameters restored")
		assert.Contains(t, strings.Join(resp.Messages, "\n"), "restarting with previous parameters")

		e, err := srv.config.Processor.Executor(2)
		require.NoError(t, err)
		assert.Equal(t, []string{"--interval", "1000"}, e.Args())
	})

	t.Run("same with arguments", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/plugins/2/restart", `{"same": true, "args": ["-i", "5"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/plugins/2/restart", `{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleSetLevel(t *testing.T) {
	t.Parallel()

	srv, lv := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/log", `{"level": "debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, slog.LevelDebug, lv.Level())

	rec = do(t, h, http.MethodPut, "/log", `{"level": "loud"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, slog.LevelDebug, lv.Level())

	rec = do(t, h, http.MethodPut, "/log", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `tsp_plugin_packets_total{index="2",kind="P",plugin="count"}`)
	assert.Contains(t, body, `tsp_stage_suspended{index="3",kind="O",plugin="drop"} 0`)
	assert.Contains(t, body, "tsp_bitrate_bps")
}

func TestHandleExit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodPost, "/exit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-srv.config.Processor.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("processor not aborted")
	}
}

func TestSourceFilter(t *testing.T) {
	t.Parallel()

	_, allowed, err := net.ParseCIDR("192.0.2.0/24")
	require.NoError(t, err)
	_, other, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)

	// httptest requests come from 192.0.2.1.
	srv, _ := newTestServer(t, allowed)
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/plugins", "").Code)

	srv, _ = newTestServer(t, other)
	rec := do(t, srv.Handler(), http.MethodGet, "/plugins", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not allowed")
}

func TestServeShutdown(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/plugins")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
