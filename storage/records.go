package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"tweet-watcher/pkg/watcher"
)

const (
	watchPrefix        = "watch-"
	credentialPrefix   = "credential-"
	notificationPrefix = "notification-"
	pendingPrefix      = "pending-"

	// casAttempts bounds read-modify-write loops that lose a generation race.
	casAttempts = 3
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func watchKey(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("invalid watch id %q", id)
	}
	return watchPrefix + id + ".json", nil
}

func credentialKey(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("invalid credential id %q", id)
	}
	return credentialPrefix + id + ".json", nil
}

// notificationKey hashes the (result, channel) pair so channel names never leak into object names.
func notificationKey(resultID, channel string) string {
	sum := sha256.Sum256([]byte(resultID + "\x00" + channel))
	return notificationPrefix + hex.EncodeToString(sum[:])[:32] + ".json"
}

// pendingKey names the marker that lists a record as undelivered. It shares
// the record's hash so the record key can be derived from it.
func pendingKey(resultID, channel string) string {
	return pendingPrefix + strings.TrimPrefix(notificationKey(resultID, channel), notificationPrefix)
}

func (s *Store) loadJSON(ctx context.Context, key string, v any) (int64, error) {
	data, gen, err := s.read(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return gen, nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any, cond precondition) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.write(ctx, key, data, cond)
}

// ListWatches returns every watch ordered by creation time.
func (s *Store) ListWatches(ctx context.Context) ([]*watcher.Watch, error) {
	keys, err := s.list(ctx, watchPrefix)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}

	watches := make([]*watcher.Watch, 0, len(keys))
	for _, key := range keys {
		var w watcher.Watch
		if _, err := s.loadJSON(ctx, key, &w); err != nil {
			// Deleted between list and read
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load watch: %w", err)
		}
		watches = append(watches, &w)
	}

	sort.SliceStable(watches, func(i, j int) bool {
		return watches[i].CreatedAt.Before(watches[j].CreatedAt)
	})
	return watches, nil
}

// ListActiveWatches returns only watches with status active.
func (s *Store) ListActiveWatches(ctx context.Context) ([]*watcher.Watch, error) {
	all, err := s.ListWatches(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, w := range all {
		if w.Status == watcher.StatusActive {
			active = append(active, w)
		}
	}
	return active, nil
}

// LoadWatch retrieves a watch by id.
func (s *Store) LoadWatch(ctx context.Context, id string) (*watcher.Watch, error) {
	key, err := watchKey(id)
	if err != nil {
		return nil, err
	}
	var w watcher.Watch
	if _, err := s.loadJSON(ctx, key, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// SaveWatch writes a watch, replacing any existing one with the same id.
// LastRunAt and CreatedAt are kept from the stored copy; only StampWatch moves LastRunAt.
func (s *Store) SaveWatch(ctx context.Context, w *watcher.Watch) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid watch: %w", err)
	}
	key, err := watchKey(w.ID)
	if err != nil {
		return err
	}

	for range casAttempts {
		var current watcher.Watch
		gen, err := s.loadJSON(ctx, key, &current)
		next := *w
		cond := precondition{generation: gen}
		switch {
		case IsNotFound(err):
			cond = precondition{absent: true}
		case err != nil:
			return fmt.Errorf("load watch: %w", err)
		default:
			next.LastRunAt = current.LastRunAt
			next.CreatedAt = current.CreatedAt
		}

		err = s.saveJSON(ctx, key, &next, cond)
		if errors.Is(err, errConflict) {
			s.logger.Debug("Watch changed during save, retrying", "watch_id", w.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("save watch: %w", err)
		}
		return nil
	}
	return fmt.Errorf("save watch %s: %w", w.ID, errConflict)
}

// InsertWatch writes a new watch, failing with watcher.ErrDuplicate if the id is taken.
func (s *Store) InsertWatch(ctx context.Context, w *watcher.Watch) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid watch: %w", err)
	}
	key, err := watchKey(w.ID)
	if err != nil {
		return err
	}
	err = s.saveJSON(ctx, key, w, precondition{absent: true})
	if errors.Is(err, errConflict) {
		return fmt.Errorf("watch %s: %w", w.ID, watcher.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert watch: %w", err)
	}
	return nil
}

// DeleteWatch removes a watch. Notifications it produced are kept.
func (s *Store) DeleteWatch(ctx context.Context, id string) error {
	key, err := watchKey(id)
	if err != nil {
		return err
	}
	return s.remove(ctx, key)
}

// StampWatch sets LastRunAt without touching the rest of the watch.
func (s *Store) StampWatch(ctx context.Context, id string, at time.Time) error {
	key, err := watchKey(id)
	if err != nil {
		return err
	}

	for range casAttempts {
		var w watcher.Watch
		gen, err := s.loadJSON(ctx, key, &w)
		if err != nil {
			return fmt.Errorf("load watch: %w", err)
		}
		t := at
		w.LastRunAt = &t

		err = s.saveJSON(ctx, key, &w, precondition{generation: gen})
		if errors.Is(err, errConflict) {
			s.logger.Debug("Watch changed during stamp, retrying", "watch_id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("stamp watch: %w", err)
		}
		return nil
	}
	return fmt.Errorf("stamp watch %s: %w", id, errConflict)
}

// ListCredentials returns all credentials in a stable order (by id).
func (s *Store) ListCredentials(ctx context.Context) ([]*watcher.Credential, error) {
	keys, err := s.list(ctx, credentialPrefix)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	creds := make([]*watcher.Credential, 0, len(keys))
	for _, key := range keys {
		var c watcher.Credential
		if _, err := s.loadJSON(ctx, key, &c); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load credential: %w", err)
		}
		creds = append(creds, &c)
	}

	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds, nil
}

// SeedCredential stores a credential unless one with the same id already exists.
// It reports whether the credential was newly created.
func (s *Store) SeedCredential(ctx context.Context, c *watcher.Credential) (bool, error) {
	key, err := credentialKey(c.ID)
	if err != nil {
		return false, err
	}
	err = s.saveJSON(ctx, key, c, precondition{absent: true})
	if errors.Is(err, errConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed credential: %w", err)
	}
	return true, nil
}

// SetCredentialReset records when a throttled credential becomes usable. Last writer wins.
func (s *Store) SetCredentialReset(ctx context.Context, id string, resetAt time.Time) error {
	key, err := credentialKey(id)
	if err != nil {
		return err
	}
	var c watcher.Credential
	if _, err := s.loadJSON(ctx, key, &c); err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	t := resetAt
	c.AvailableAfter = &t
	if err := s.saveJSON(ctx, key, &c, precondition{}); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// NotificationExists reports whether a record exists for (resultID, channel).
func (s *Store) NotificationExists(ctx context.Context, resultID, channel string) (bool, error) {
	_, _, err := s.read(ctx, notificationKey(resultID, channel))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification: %w", err)
	}
	return true, nil
}

// InsertNotification writes rec only if no record exists for its key.
// It returns false when another writer got there first.
func (s *Store) InsertNotification(ctx context.Context, rec *watcher.Notification) (bool, error) {
	// The marker goes first so a record is never pending without one.
	// A marker left by a failed or losing insert is dropped by the next drain.
	marker := map[string]string{"result_id": rec.ResultID, "channel": rec.Channel}
	if err := s.saveJSON(ctx, pendingKey(rec.ResultID, rec.Channel), marker, precondition{}); err != nil {
		return false, fmt.Errorf("write pending marker: %w", err)
	}

	err := s.saveJSON(ctx, notificationKey(rec.ResultID, rec.Channel), rec, precondition{absent: true})
	if errors.Is(err, errConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return true, nil
}

// LoadNotification reads the record for (resultID, channel).
func (s *Store) LoadNotification(ctx context.Context, resultID, channel string) (*watcher.Notification, error) {
	var n watcher.Notification
	if _, err := s.loadJSON(ctx, notificationKey(resultID, channel), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkDelivered moves a pending record to delivered. It fails with
// watcher.ErrAlreadyDelivered if the record was delivered already.
func (s *Store) MarkDelivered(ctx context.Context, resultID, channel string, at time.Time, receipt string) error {
	key := notificationKey(resultID, channel)

	for range casAttempts {
		var n watcher.Notification
		gen, err := s.loadJSON(ctx, key, &n)
		if err != nil {
			return fmt.Errorf("load notification: %w", err)
		}
		if n.DeliveredAt != nil {
			return watcher.ErrAlreadyDelivered
		}
		t := at
		n.DeliveredAt = &t
		n.DeliveryReceipt = receipt

		err = s.saveJSON(ctx, key, &n, precondition{generation: gen})
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		s.dropPendingMarker(ctx, pendingKey(resultID, channel))
		return nil
	}
	return fmt.Errorf("mark delivered: %w", errConflict)
}

// dropPendingMarker removes a marker once its record is delivered. Failures
// only cost a re-check on the next drain.
func (s *Store) dropPendingMarker(ctx context.Context, key string) {
	if err := s.remove(ctx, key); err != nil && !IsNotFound(err) {
		s.logger.Warn("Failed to remove pending marker", "key", key, "error", err)
	}
}

// ListPendingNotifications returns up to limit undelivered records, oldest first.
// A limit of zero or less means no limit. Only records with a pending marker
// are read, so the cost follows the backlog rather than the full history.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error) {
	markers, err := s.list(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("list pending markers: %w", err)
	}

	var out []*watcher.Notification
	for _, marker := range markers {
		var n watcher.Notification
		key := notificationPrefix + strings.TrimPrefix(marker, pendingPrefix)
		if _, err := s.loadJSON(ctx, key, &n); err != nil {
			// The insert that wrote this marker may still be in flight.
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load notification: %w", err)
		}
		if n.DeliveredAt != nil {
			s.dropPendingMarker(ctx, marker)
			continue
		}
		out = append(out, &n)
	}

	sortNotifications(out, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListNotifications returns up to limit records of any state, newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error) {
	keys, err := s.list(ctx, notificationPrefix)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	var out []*watcher.Notification
	for _, key := range keys {
		var n watcher.Notification
		if _, err := s.loadJSON(ctx, key, &n); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load notification: %w", err)
		}
		out = append(out, &n)
	}

	sortNotifications(out, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNotifications(ns []*watcher.Notification, newestFirst bool) {
	sort.SliceStable(ns, func(i, j int) bool {
		if newestFirst {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].CreatedAt.Before(ns[j].CreatedAt)
	})
}
