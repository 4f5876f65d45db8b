package watcher

import (
	"log/slog"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestCredentialAvailable(t *testing.T) {
	now := time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		after *time.Time
		want  bool
	}{
		{name: "never throttled", after: nil, want: true},
		{name: "cooldown elapsed", after: &past, want: true},
		{name: "cooldown ends exactly now", after: &now, want: false},
		{name: "still cooling down", after: &future, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ID: "a", Token: "secret", AvailableAfter: tt.after}
			if got := c.Available(now); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialLogValueHidesToken(t *testing.T) {
	c := NewCredential("  very-secret-token ")
	if c.Token != "very-secret-token" {
		t.Fatalf("token not trimmed: %q", c.Token)
	}
	if got := c.LogValue().String(); got != c.ID {
		t.Errorf("LogValue() = %q, want credential id %q", got, c.ID)
	}
	if c.ID == "" || c.ID == c.Token {
		t.Errorf("credential id must be derived, got %q", c.ID)
	}
	if CredentialID("very-secret-token") != c.ID {
		t.Error("CredentialID is not deterministic")
	}
	var _ slog.LogValuer = c
}

func TestWatchValidate(t *testing.T) {
	valid := func() *Watch {
		return &Watch{ID: "abc123", Keyword: "golang", Channel: "#dev", Status: StatusActive}
	}

	tests := []struct {
		name    string
		mutate  func(w *Watch)
		wantErr bool
	}{
		{name: "valid without thresholds", mutate: func(*Watch) {}},
		{name: "zero thresholds allowed", mutate: func(w *Watch) { w.Like, w.Retweet = intPtr(0), intPtr(0) }},
		{name: "missing id", mutate: func(w *Watch) { w.ID = "" }, wantErr: true},
		{name: "blank keyword", mutate: func(w *Watch) { w.Keyword = "  " }, wantErr: true},
		{name: "missing channel", mutate: func(w *Watch) { w.Channel = "" }, wantErr: true},
		{name: "negative like", mutate: func(w *Watch) { w.Like = intPtr(-1) }, wantErr: true},
		{name: "negative retweet", mutate: func(w *Watch) { w.Retweet = intPtr(-5) }, wantErr: true},
		{name: "unknown status", mutate: func(w *Watch) { w.Status = "paused" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := valid()
			tt.mutate(w)
			if err := w.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewWatchID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewWatchID()
		if len(id) != 8 {
			t.Fatalf("NewWatchID() = %q, want 8 characters", id)
		}
		if seen[id] {
			t.Fatalf("NewWatchID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestNewNotificationIsPending(t *testing.T) {
	now := time.Now()
	w := &Watch{ID: "w1", Keyword: "foo", Channel: "C1"}
	r := &Result{ID: "42", LikeCount: 10, RetweetCount: 5, Text: "hello"}

	n := NewNotification(w, r, now)

	if n.State() != StatePending {
		t.Errorf("State() = %v, want pending", n.State())
	}
	if n.URL != "https://twitter.com/i/web/status/42" {
		t.Errorf("URL = %q", n.URL)
	}
	if n.ResultID != "42" || n.Channel != "C1" || n.WatchID != "w1" {
		t.Errorf("unexpected key fields: %+v", n)
	}

	n.DeliveredAt = &now
	if n.State() != StateDelivered {
		t.Errorf("State() = %v, want delivered", n.State())
	}
}
