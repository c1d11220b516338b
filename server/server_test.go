package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, withQueue bool) (*Server, *queue.Ledger, *queue.DirQueue) {
	t.Helper()

	ledger := queue.NewLedger(0)
	var q *queue.DirQueue
	if withQueue {
		dir := t.TempDir()
		var err error
		q, err = queue.NewDirQueue(dir, filepath.Join(dir, "quarantine"), zerolog.Nop())
		require.NoError(t, err)
	}

	s := New(Config{
		Addr:   "127.0.0.1:0",
		Ledger: ledger,
		Queue:  q,
		Hub:    models.NewHub(zerolog.Nop()),
		Log:    zerolog.Nop(),
	})
	return s, ledger, q
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, ledger, _ := setupServer(t, true)
	ledger.Track(models.WorkItem{Name: "a.pdf"})
	ledger.Track(models.WorkItem{Name: "b.pdf"})

	w := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Status    string         `json:"status"`
		Items     map[string]int `json:"items"`
		Processor bool           `json:"processor"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Items["discovered"])
	assert.True(t, body.Processor)
}

func TestJobs_FilterByStatus(t *testing.T) {
	s, ledger, _ := setupServer(t, false)
	first := ledger.Track(models.WorkItem{Name: "a.pdf"})
	ledger.Track(models.WorkItem{Name: "b.pdf"})
	_, err := ledger.Transition(first.ID, models.StatusInterpreting, nil)
	require.NoError(t, err)

	w := get(t, s, "/jobs")
	assert.Equal(t, http.StatusOK, w.Code)
	var all []models.WorkItem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	assert.Len(t, all, 2)

	w = get(t, s, "/jobs?status=interpreting")
	assert.Equal(t, http.StatusOK, w.Code)
	var filtered []models.WorkItem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "a.pdf", filtered[0].Name)
}

func TestJobs_InvalidStatus(t *testing.T) {
	s, _, _ := setupServer(t, false)

	w := get(t, s, "/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobDetails(t *testing.T) {
	s, ledger, _ := setupServer(t, false)
	item := ledger.Track(models.WorkItem{Name: "a.pdf"})

	w := get(t, s, "/jobs/"+item.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	var got models.WorkItem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, models.StatusDiscovered, got.Status)

	w = get(t, s, "/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuarantine(t *testing.T) {
	s, _, q := setupServer(t, true)

	path := filepath.Join(q.Dir(), "bad.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	_, err := q.Quarantine(path, "interpretation failed: unreadable")
	require.NoError(t, err)

	w := get(t, s, "/quarantine")
	assert.Equal(t, http.StatusOK, w.Code)
	var items []models.QuarantineItem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "unreadable")
}

func TestQuarantine_NoProcessor(t *testing.T) {
	s, _, _ := setupServer(t, false)

	w := get(t, s, "/quarantine")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebSocket_InitialSnapshot(t *testing.T) {
	s, ledger, _ := setupServer(t, false)
	ledger.Track(models.WorkItem{Name: "a.pdf"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type  string            `json:"type"`
		Items []models.WorkItem `json:"items"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "initial_items", msg.Type)
	require.Len(t, msg.Items, 1)
	assert.Equal(t, "a.pdf", msg.Items[0].Name)
}

func TestWebSocket_ClosedWhenHubStopped(t *testing.T) {
	s, _, _ := setupServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err, "snapshot is still sent")
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
