package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureServer struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		c.mu.Lock()
		c.messages = append(c.messages, payload["text"])
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func newTestClient(t *testing.T, apiBase string) *TelegramClient {
	t.Helper()
	c := NewTelegramClient(TelegramOptions{
		BotToken:     "test-token",
		ChatID:       "42",
		APIBase:      apiBase,
		DedupeWindow: time.Minute,
		RatePerMin:   6000,
		QueueSize:    16,
	}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestDeliversAlert(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Send(Alert{Severity: SeverityCritical, Key: "halt", Title: "engine halted", Body: "persistence retry budget exhausted"})
	c.Close()

	require.Equal(t, 1, capture.count())
	assert.True(t, strings.Contains(capture.messages[0], "engine halted"))
	assert.True(t, strings.Contains(capture.messages[0], "critical"))
}

func TestDuplicatesCollapseInsideWindow(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		c.Send(Alert{Severity: SeverityWarning, Key: "same-key", Title: "degraded", Body: "provider stale"})
	}
	c.Close()

	assert.Equal(t, 1, capture.count())
}

func TestDistinctKeysAllDelivered(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Send(Alert{Severity: SeverityInfo, Key: "a", Title: "one", Body: ""})
	c.Send(Alert{Severity: SeverityInfo, Key: "b", Title: "two", Body: ""})
	c.Close()

	assert.Equal(t, 2, capture.count())
}

func TestSendNeverBlocksWhenServerDown(t *testing.T) {
	c := NewTelegramClient(TelegramOptions{
		BotToken:  "tok",
		ChatID:    "1",
		APIBase:   "http://127.0.0.1:1", // nothing listens here
		QueueSize: 4,
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			c.Send(Alert{Severity: SeverityInfo, Key: string(rune('a' + i%26)), Title: "x", Body: ""})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.Send(Alert{Title: "ignored"})
	n.Close()
}
