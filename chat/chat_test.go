package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"tweet-watcher/pkg/watcher"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatNotification(t *testing.T) {
	tests := []struct {
		name     string
		rec      *watcher.Notification
		contains []string
		excludes []string
	}{
		{
			name: "basic",
			rec: &watcher.Notification{
				URL: "https://twitter.com/i/web/status/42", Keyword: "golang", LikeCount: 12, RetweetCount: 3,
				Text: "Generics are here",
			},
			contains: []string{
				"New tweet notification: https://twitter.com/i/web/status/42",
				"Keyword *golang* · 12 likes · 3 retweets",
				"> Generics are here",
			},
		},
		{
			name:     "no text",
			rec:      &watcher.Notification{URL: "https://twitter.com/i/web/status/1", Keyword: "go"},
			contains: []string{"0 likes · 0 retweets"},
			excludes: []string{">"},
		},
		{
			name: "control characters escaped",
			rec: &watcher.Notification{
				URL: "https://twitter.com/i/web/status/7", Keyword: "a<b", Text: "<!channel> & friends",
			},
			contains: []string{"a&lt;b", "&lt;!channel&gt; &amp; friends"},
			excludes: []string{"<!channel>"},
		},
		{
			name: "multi-line text quoted per line",
			rec: &watcher.Notification{
				URL: "https://twitter.com/i/web/status/8", Keyword: "go", Text: "line one\nline two",
			},
			contains: []string{"> line one\n> line two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatNotification(tt.rec)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("message missing %q:\n%s", want, got)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("message contains %q:\n%s", bad, got)
				}
			}
		})
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := excerpt(long, 280)
	if n := len([]rune(got)); n != 281 {
		t.Errorf("excerpt has %d runes, want 280 plus ellipsis", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("cut excerpt should end with an ellipsis")
	}
	if got := excerpt("  short  ", 280); got != "short" {
		t.Errorf("excerpt() = %q", got)
	}
}

type recordingProvider struct {
	mu      sync.Mutex
	channel string
	text    string
	err     error
}

func (p *recordingProvider) Send(_ context.Context, channel, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel, p.text = channel, text
	if p.err != nil {
		return "", p.err
	}
	return "1718280000.000100", nil
}

func TestSenderSendNotification(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, discardLogger())
	rec := &watcher.Notification{ResultID: "42", Channel: "C1", URL: watcher.ResultURL("42"), Keyword: "go"}

	receipt, err := s.SendNotification(context.Background(), rec)
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}
	if receipt != "1718280000.000100" {
		t.Errorf("receipt = %q", receipt)
	}
	if p.channel != "C1" || !strings.Contains(p.text, rec.URL) {
		t.Errorf("provider got channel=%q text=%q", p.channel, p.text)
	}

	sentinel := errors.New("channel_not_found")
	p.err = sentinel
	if _, err := s.SendNotification(context.Background(), rec); !errors.Is(err, sentinel) {
		t.Errorf("SendNotification() error = %v, want provider error in chain", err)
	}
}

func TestSlackProviderSend(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChannel = r.FormValue("channel")
		gotText = r.FormValue("text")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok": true, "channel": "C1", "ts": "1718280000.000200"}`)
	}))
	defer srv.Close()

	p := NewSlackProvider("xoxb-test", 100, srv.URL+"/", discardLogger())
	ts, err := p.Send(context.Background(), "C1", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ts != "1718280000.000200" {
		t.Errorf("ts = %q", ts)
	}
	if gotChannel != "C1" || gotText != "hello" {
		t.Errorf("posted channel=%q text=%q", gotChannel, gotText)
	}
}

func TestSlackProviderSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok": false, "error": "channel_not_found"}`)
	}))
	defer srv.Close()

	p := NewSlackProvider("xoxb-test", 100, srv.URL+"/", discardLogger())
	_, err := p.Send(context.Background(), "C404", "hello")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("Send() error = %v, want channel_not_found", err)
	}
}

func TestSlackProviderHonoursContext(t *testing.T) {
	p := NewSlackProvider("xoxb-test", 0.001, "http://127.0.0.1:1/", discardLogger())
	// Use the single burst token so the next Wait must block.
	p.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Send(ctx, "C1", "hello"); err == nil {
		t.Fatal("Send() error = nil with cancelled context")
	}
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider(discardLogger())
	a, err := m.Send(context.Background(), "C1", "one")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Send(context.Background(), "C1", "two")
	if a == "" || a == b {
		t.Errorf("receipts %q and %q should be distinct", a, b)
	}
}
