package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPaperBot/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return "recorder" }

func TestSink_FiltersByEventType(t *testing.T) {
	rec := &recordingSender{}
	sink := NewSink(rec, []string{"exit", " entry "})
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, domain.NewEvent(domain.EventHeartbeat, time.Now())))
	entry := domain.NewEvent(domain.EventEntry, time.Now())
	entry.Symbol = "SOLUSDT"
	require.NoError(t, sink.Deliver(ctx, entry))
	fatal := domain.NewEvent(domain.EventError, time.Now())
	fatal.Severity = domain.SeverityFatal
	require.NoError(t, sink.Deliver(ctx, fatal))

	assert.Equal(t, []string{"Entry SOLUSDT", "FATAL"}, rec.titles)
	assert.False(t, sink.Durable())
	assert.Equal(t, "recorder", sink.Name())
}

func TestDiscordSender_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Exit SOLUSDT", "pnl 40.00"))
	assert.Equal(t, "**Exit SOLUSDT**\npnl 40.00", got["content"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramSender_Send(t *testing.T) {
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"paper","username":"paper_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			sent = append(sent, r.PostForm.Get("text"))
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sender, err := NewTelegramSender("TOKEN", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), "Heartbeat", "equity 10040.00"))
	assert.Equal(t, []string{"*Heartbeat*\nequity 10040.00"}, sent)
}
