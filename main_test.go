package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tweet-watcher/deliver"
	"tweet-watcher/pkg/watcher"
	"tweet-watcher/poll"
	wstorage "tweet-watcher/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeedCredentialsKeepsCooldown(t *testing.T) {
	ctx := context.Background()
	store := wstorage.New(nil, "", t.TempDir(), discardLogger())

	if err := seedCredentials(ctx, store, []string{"tok-a", "tok-b"}, discardLogger()); err != nil {
		t.Fatalf("seedCredentials() error = %v", err)
	}
	creds, err := store.ListCredentials(ctx)
	if err != nil || len(creds) != 2 {
		t.Fatalf("ListCredentials() = %d creds, %v; want 2", len(creds), err)
	}

	id := watcher.NewCredential("tok-a").ID
	reset := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.SetCredentialReset(ctx, id, reset); err != nil {
		t.Fatal(err)
	}
	if err := seedCredentials(ctx, store, []string{"tok-a"}, discardLogger()); err != nil {
		t.Fatalf("seedCredentials() again error = %v", err)
	}
	creds, err = store.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range creds {
		if c.ID == id && !c.AvailableAfter.Equal(reset) {
			t.Errorf("reseeding reset cooldown: got %v, want %v", c.AvailableAfter, reset)
		}
	}
}

type failingSeeder struct{}

func (failingSeeder) SeedCredential(context.Context, *watcher.Credential) (bool, error) {
	return false, errors.New("disk full")
}

func TestSeedCredentialsReportsErrors(t *testing.T) {
	err := seedCredentials(context.Background(), failingSeeder{}, []string{"a", "b"}, discardLogger())
	if err == nil {
		t.Fatal("seedCredentials() error = nil, want error")
	}
}

type nopPoller struct{}

func (nopPoller) CheckAll(context.Context) (*poll.Report, error) { return &poll.Report{}, nil }

type nopDeliverer struct{}

func (nopDeliverer) DeliverPending(context.Context) (*deliver.Summary, error) {
	return &deliver.Summary{}, nil
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		name    string
		poll    string
		deliver string
		entries int
		wantErr bool
	}{
		{name: "disabled", entries: 0},
		{name: "poll only", poll: "*/5 * * * *", entries: 1},
		{name: "both", poll: "@every 5m", deliver: "@every 1m", entries: 2},
		{name: "bad poll schedule", poll: "every five minutes", wantErr: true},
		{name: "bad deliver schedule", deliver: "* * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{PollSchedule: tt.poll, DeliverSchedule: tt.deliver}
			c, err := newScheduler(cfg, nopPoller{}, nopDeliverer{}, discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newScheduler() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := len(c.Entries()); got != tt.entries {
				t.Errorf("entries = %d, want %d", got, tt.entries)
			}
		})
	}
}

func TestOpenStoreLocal(t *testing.T) {
	cfg := &Config{Backend: backendLocal, LocalStorage: t.TempDir() + "/nested"}
	store, closeStore, err := openStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()
	if _, err := store.ListWatches(context.Background()); err != nil {
		t.Errorf("ListWatches() error = %v", err)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := &Config{Backend: backendSQLite, SQLitePath: t.TempDir() + "/w.db"}
	store, closeStore, err := openStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()
	if _, err := store.ListCredentials(context.Background()); err != nil {
		t.Errorf("ListCredentials() error = %v", err)
	}
}
