package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/config"
	"netscript/console"
	"netscript/coordinator"
	"netscript/output"
	"netscript/script"
	"netscript/simnet"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("stdout closed") }

func serveCoordinator() *coordinator.Coordinator {
	cfg := config.Default()
	cfg.Timing = config.Timing{Tick: 5 * time.Millisecond}
	return coordinator.NewCoordinator(cfg, simnet.New(simnet.Options{}), zerolog.Nop())
}

func TestTestStarterAcceptsOneRunAtATime(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocking.gotest"),
		[]byte("name: Blocking\nhuman_action: Wait for me\n"), 0644))
	catalog := console.NewCatalog(dir, zerolog.Nop())
	require.NoError(t, catalog.Refresh())

	coord := serveCoordinator()
	ack := &console.Signal{}
	coord.SetAcknowledger(ack)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var out lockedBuffer
	srv := console.NewServer(catalog, ack, coord, testStarter(ctx, coord, output.NewFormatterTo(&out, true)), zerolog.Nop())

	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tests/blocking/start", nil))
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	var got []int
	for code := range codes {
		got = append(got, code)
	}
	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, got)

	require.Eventually(t, func() bool {
		ack.Ack()
		return strings.Contains(out.String(), `"script_name": "Blocking"`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(out.String(), `"script_name"`))
}

func TestTestStarterLogsOutputErrors(t *testing.T) {
	var logs lockedBuffer
	saved := app.logger
	app.logger = zerolog.New(&logs)
	defer func() { app.logger = saved }()

	coord := serveCoordinator()
	start := testStarter(t.Context(), coord, output.NewFormatterTo(failingWriter{}, true))
	require.NoError(t, start(&console.Entry{Name: "quick", Script: script.Parse("log: hi\n")}))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "failed to output report")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "stdout closed")
	assert.Contains(t, logs.String(), `"test":"quick"`)
}
