// Package watcher contains the core domain types for the keyword watch service.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when a watch, credential or notification does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by insert-if-absent writes when the key is taken.
	ErrDuplicate = errors.New("already exists")
	// ErrAlreadyDelivered is returned when a notification has already left the pending state.
	ErrAlreadyDelivered = errors.New("notification already delivered")
)

// Status controls whether a watch takes part in polling cycles.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Credential is a bearer token for the search API together with its cooldown.
type Credential struct {
	AvailableAfter *time.Time `json:"available_after,omitempty"` // Nil when never throttled
	ID             string     `json:"id"`                        // Derived from Token, safe to log
	Token          string     `json:"token"`                     // Bearer secret
}

// NewCredential builds a credential handle for a bearer token.
func NewCredential(token string) *Credential {
	token = strings.TrimSpace(token)
	return &Credential{ID: CredentialID(token), Token: token}
}

// CredentialID derives a stable, non-secret identifier from a bearer token.
func CredentialID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Available reports whether the credential may be used at now.
func (c *Credential) Available(now time.Time) bool {
	return c.AvailableAfter == nil || c.AvailableAfter.Before(now)
}

// LogValue keeps the token out of structured logs.
func (c *Credential) LogValue() slog.Value {
	return slog.StringValue(c.ID)
}

// Thresholds are the optional minimum engagement counts for a watch.
type Thresholds struct {
	Like    *int `json:"like_threshold,omitempty"`
	Retweet *int `json:"retweet_threshold,omitempty"`
}

// Watch is a keyword + channel + thresholds configuration driving one search lane.
type Watch struct {
	Thresholds
	LastRunAt *time.Time `json:"last_run_at,omitempty"` // Written only by the poller
	CreatedAt time.Time  `json:"created_at"`
	ID        string     `json:"id"`
	Keyword   string     `json:"keyword"`
	Channel   string     `json:"channel"`
	Status    Status     `json:"status"`
}

// Validate checks the invariants every stored watch must hold.
func (w *Watch) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("watch id is required")
	}
	if strings.TrimSpace(w.Keyword) == "" {
		return errors.New("keyword is required")
	}
	if strings.TrimSpace(w.Channel) == "" {
		return errors.New("channel is required")
	}
	if w.Like != nil && *w.Like < 0 {
		return fmt.Errorf("like threshold must be non-negative, got %d", *w.Like)
	}
	if w.Retweet != nil && *w.Retweet < 0 {
		return fmt.Errorf("retweet threshold must be non-negative, got %d", *w.Retweet)
	}
	switch w.Status {
	case StatusActive, StatusInactive:
	default:
		return fmt.Errorf("unknown status %q", w.Status)
	}
	return nil
}

// NewWatchID returns a short random identifier for a watch.
func NewWatchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Result is a single search hit. It only lives for the duration of a cycle.
type Result struct {
	CreatedAt    time.Time
	ID           string
	AuthorID     string
	Text         string
	LikeCount    int
	RetweetCount int
}

// URL returns the canonical link for the result.
func (r *Result) URL() string {
	return ResultURL(r.ID)
}

// ResultURL derives the canonical link for a result id.
func ResultURL(id string) string {
	return "https://twitter.com/i/web/status/" + id
}

// State is the delivery state of a notification.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
)

// Notification records that a result was queued for a channel.
// Its existence is the dedup signal; it is never deleted.
type Notification struct {
	CreatedAt       time.Time  `json:"created_at"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	ResultID        string     `json:"result_id"`
	Channel         string     `json:"channel"`
	WatchID         string     `json:"watch_id"`
	Keyword         string     `json:"keyword"`
	URL             string     `json:"url"`
	Text            string     `json:"text,omitempty"`
	DeliveryReceipt string     `json:"delivery_receipt,omitempty"` // Message id from the chat provider
	LikeCount       int        `json:"like_count"`
	RetweetCount    int        `json:"retweet_count"`
}

// NewNotification captures a qualifying result for a watch in the pending state.
func NewNotification(w *Watch, r *Result, now time.Time) *Notification {
	return &Notification{
		CreatedAt:    now,
		ResultID:     r.ID,
		Channel:      w.Channel,
		WatchID:      w.ID,
		Keyword:      w.Keyword,
		URL:          r.URL(),
		Text:         r.Text,
		LikeCount:    r.LikeCount,
		RetweetCount: r.RetweetCount,
	}
}

// State reports whether the notification is pending or delivered.
func (n *Notification) State() State {
	if n.DeliveredAt != nil {
		return StateDelivered
	}
	return StatePending
}
