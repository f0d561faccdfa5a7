package tail

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/scriptrun/internal/client"
	"github.com/mpataki/scriptrun/internal/models"
)

// legacyBackend serves only the legacy listing and the logs endpoint.
func legacyBackend(t *testing.T, status string) *client.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /executions", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":7,"module_id":1,"status":"`+status+`"}]`)
	})
	mux.HandleFunc("GET /api/modules/exec/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, client.Credentials{Identity: "alice"},
		client.WithRoutes(client.LegacyRoutes), client.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestLegacyLayoutKeepsFollowingRunningExecution(t *testing.T) {
	c := legacyBackend(t, "running")
	c.TrackExecution("7", "1")
	l := NewLoop(c, NewCursor("7"), NewBuffer(), testOptions())

	delay, done := l.Step(context.Background())
	require.False(t, done, "result: %+v", l.Result())
	assert.Equal(t, 1500*time.Millisecond, delay)
	assert.Equal(t, models.ExecStatusRunning, l.lastStatus())
}

func TestLegacyLayoutStopsOnTerminalStatus(t *testing.T) {
	c := legacyBackend(t, "succeeded")
	c.TrackExecution("7", "1")
	l := NewLoop(c, NewCursor("7"), NewBuffer(), testOptions())

	delay, done := l.Step(context.Background())
	require.False(t, done)
	assert.Zero(t, delay)

	_, done = l.Step(context.Background())
	require.True(t, done)
	assert.Equal(t, ReasonTerminal, l.Result().Reason)
}

func TestUnknownModuleFollowsWithoutStatus(t *testing.T) {
	c := legacyBackend(t, "succeeded")
	l := NewLoop(c, NewCursor("7"), NewBuffer(), testOptions())

	for i := 0; i < 3; i++ {
		delay, done := l.Step(context.Background())
		require.False(t, done)
		assert.Equal(t, 1500*time.Millisecond, delay)
	}
	assert.Equal(t, StateBackoff, l.State())
}
