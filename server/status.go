package server

import (
	"net/http"
	"strconv"
	"time"

	"tweet-watcher/pkg/watcher"
)

const recentNotifications = 25

type watchRow struct {
	ID      string
	Keyword string
	Channel string
	Like    string
	Retweet string
	Status  watcher.Status
	LastRun string
}

type credentialRow struct {
	ID        string
	State     string
	Available bool
}

type notificationRow struct {
	ResultID     string
	Keyword      string
	Channel      string
	URL          string
	Created      string
	State        watcher.State
	LikeCount    int
	RetweetCount int
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	watches, err := s.store.ListWatches(ctx)
	if err != nil {
		s.logger.Error("Failed to list watches", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		s.logger.Error("Failed to list credentials", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.ListNotifications(ctx, recentNotifications)
	if err != nil {
		s.logger.Error("Failed to list notifications", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	now := s.now()
	data := map[string]any{
		"Generated":     now.UTC().Format(time.RFC3339),
		"Watches":       watchRows(watches),
		"Credentials":   credentialRows(creds, now),
		"Notifications": notificationRows(recent),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	if err := templates.ExecuteTemplate(w, "status.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "status.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func watchRows(watches []*watcher.Watch) []watchRow {
	rows := make([]watchRow, 0, len(watches))
	for _, w := range watches {
		row := watchRow{
			ID:      w.ID,
			Keyword: w.Keyword,
			Channel: w.Channel,
			Like:    thresholdString(w.Like),
			Retweet: thresholdString(w.Retweet),
			Status:  w.Status,
			LastRun: "never",
		}
		if w.LastRunAt != nil {
			row.LastRun = w.LastRunAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}

// credentialRows never exposes tokens.
func credentialRows(creds []*watcher.Credential, now time.Time) []credentialRow {
	rows := make([]credentialRow, 0, len(creds))
	for _, c := range creds {
		row := credentialRow{ID: c.ID, State: "available", Available: c.Available(now)}
		if !row.Available {
			row.State = "cooling down until " + c.AvailableAfter.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}

func notificationRows(ns []*watcher.Notification) []notificationRow {
	rows := make([]notificationRow, 0, len(ns))
	for _, n := range ns {
		rows = append(rows, notificationRow{
			ResultID:     n.ResultID,
			Keyword:      n.Keyword,
			Channel:      n.Channel,
			URL:          n.URL,
			Created:      n.CreatedAt.UTC().Format(time.RFC3339),
			State:        n.State(),
			LikeCount:    n.LikeCount,
			RetweetCount: n.RetweetCount,
		})
	}
	return rows
}

func thresholdString(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
