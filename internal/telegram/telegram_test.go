package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"dextrend/internal/config"
)

func newTestBot(baseURL string) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(config.TelegramConfig{Token: "test-token", ChatID: "42"}, logger)
	c.http.SetBaseURL(baseURL)
	return c
}

func TestSend(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newTestBot(srv.URL)
	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "hello" {
		t.Errorf("body = %v", got)
	}
}

func TestSendUnconfigured(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(config.TelegramConfig{}, logger)
	if err := c.Send(context.Background(), "x"); err == nil {
		t.Error("unconfigured bot should fail to send")
	}
	if c.Enabled() {
		t.Error("unconfigured bot reports enabled")
	}
}

func TestPollDispatchesCommand(t *testing.T) {
	t.Parallel()
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/getUpdates":
			fmt.Fprint(w, `{"ok":true,"result":[
				{"update_id":7,"message":{"text":"/snapshot","chat":{"id":42}}},
				{"update_id":8,"message":{"text":"/snapshot","chat":{"id":999}}},
				{"update_id":9,"message":{"text":"/unknown","chat":{"id":42}}}
			]}`)
		case "/sendMessage":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			sent = append(sent, body["text"])
			fmt.Fprint(w, `{"ok":true}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestBot(srv.URL)
	c.Register("/snapshot", func(ctx context.Context) string { return "snapshot-reply" })

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Only the configured chat's known command gets a reply.
	if len(sent) != 1 || sent[0] != "snapshot-reply" {
		t.Errorf("sent = %v, want single snapshot reply", sent)
	}
	if c.offset != 10 {
		t.Errorf("offset = %d, want 10", c.offset)
	}
}

func TestEmptyReplyNotSent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sendMessage" {
			t.Error("empty reply should not be sent")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":1,"message":{"text":"/snapshot","chat":{"id":42}}}
		]}`)
	}))
	defer srv.Close()

	c := newTestBot(srv.URL)
	c.Register("/snapshot", func(ctx context.Context) string { return "" })
	c.poll(context.Background())
}
