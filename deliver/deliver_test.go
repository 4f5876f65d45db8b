package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tweet-watcher/pkg/watcher"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string]*watcher.Notification
	markErr  error
	marks    int
	listErr  error
	loadErrs map[string]error
}

func newMemStore(recs ...*watcher.Notification) *memStore {
	s := &memStore{records: make(map[string]*watcher.Notification), loadErrs: make(map[string]error)}
	for _, r := range recs {
		s.records[r.ResultID+"|"+r.Channel] = r
	}
	return s
}

func (s *memStore) LoadNotification(_ context.Context, resultID, channel string) (*watcher.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErrs[resultID]; err != nil {
		return nil, err
	}
	r, ok := s.records[resultID+"|"+channel]
	if !ok {
		return nil, watcher.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) MarkDelivered(_ context.Context, resultID, channel string, at time.Time, receipt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	if s.markErr != nil {
		return s.markErr
	}
	r, ok := s.records[resultID+"|"+channel]
	if !ok {
		return watcher.ErrNotFound
	}
	if r.DeliveredAt != nil {
		return watcher.ErrAlreadyDelivered
	}
	t := at
	r.DeliveredAt = &t
	r.DeliveryReceipt = receipt
	return nil
}

func (s *memStore) ListPendingNotifications(_ context.Context, _ int) ([]*watcher.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*watcher.Notification
	for _, r := range s.records {
		if r.DeliveredAt == nil {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeMessenger struct {
	sent   atomic.Int32
	failOn map[string]bool
}

func (m *fakeMessenger) SendNotification(_ context.Context, rec *watcher.Notification) (string, error) {
	if m.failOn[rec.ResultID] {
		return "", errors.New("channel_not_found")
	}
	n := m.sent.Add(1)
	return fmt.Sprintf("1718280000.%06d", n), nil
}

func newNotifier(s *memStore, m *fakeMessenger) *Notifier {
	return New(s, m, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pending(id, channel string) *watcher.Notification {
	return &watcher.Notification{ResultID: id, Channel: channel, URL: watcher.ResultURL(id), CreatedAt: time.Now()}
}

func TestDeliverSendsOnce(t *testing.T) {
	rec := pending("42", "C1")
	s := newMemStore(rec)
	m := &fakeMessenger{}
	n := newNotifier(s, m)

	// The same trigger image twice: the second call sees the stored delivered copy.
	image := *rec
	if err := n.Deliver(context.Background(), &image); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := n.Deliver(context.Background(), &image); err != nil {
		t.Fatalf("Deliver() second call error = %v", err)
	}

	if m.sent.Load() != 1 {
		t.Errorf("sent %d messages, want 1", m.sent.Load())
	}
	stored := s.records["42|C1"]
	if stored.DeliveredAt == nil || stored.DeliveryReceipt != "1718280000.000001" {
		t.Errorf("stored record = %+v", stored)
	}
}

func TestDeliverAlreadyDeliveredImage(t *testing.T) {
	now := time.Now()
	rec := pending("42", "C1")
	rec.DeliveredAt = &now
	s := newMemStore(rec)
	m := &fakeMessenger{}

	if err := newNotifier(s, m).Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if m.sent.Load() != 0 {
		t.Errorf("sent %d messages for a delivered record", m.sent.Load())
	}
}

func TestDeliverSendFailureLeavesPending(t *testing.T) {
	s := newMemStore(pending("42", "C1"))
	m := &fakeMessenger{failOn: map[string]bool{"42": true}}

	err := newNotifier(s, m).Deliver(context.Background(), pending("42", "C1"))
	if err == nil {
		t.Fatal("Deliver() error = nil, want send failure")
	}
	if s.records["42|C1"].DeliveredAt != nil {
		t.Error("record marked delivered after a failed send")
	}
	if s.marks != 0 {
		t.Errorf("MarkDelivered called %d times", s.marks)
	}
}

func TestDeliverMarkFailure(t *testing.T) {
	s := newMemStore(pending("42", "C1"))
	s.markErr = errors.New("storage unavailable")
	m := &fakeMessenger{}

	err := newNotifier(s, m).Deliver(context.Background(), pending("42", "C1"))
	if err == nil {
		t.Fatal("Deliver() error = nil, want mark failure")
	}
	if m.sent.Load() != 1 {
		t.Errorf("sent %d messages, want 1", m.sent.Load())
	}
	if s.records["42|C1"].DeliveredAt != nil {
		t.Error("record should remain pending")
	}
}

func TestDeliverLostRaceIsNotAnError(t *testing.T) {
	s := newMemStore(pending("42", "C1"))
	s.markErr = watcher.ErrAlreadyDelivered

	if err := newNotifier(s, &fakeMessenger{}).Deliver(context.Background(), pending("42", "C1")); err != nil {
		t.Errorf("Deliver() error = %v, want nil", err)
	}
}

func TestDeliverPending(t *testing.T) {
	s := newMemStore(pending("1", "C1"), pending("2", "C1"), pending("3", "C2"), pending("bad", "C1"))
	now := time.Now()
	done := pending("4", "C1")
	done.DeliveredAt = &now
	s.records["4|C1"] = done
	m := &fakeMessenger{failOn: map[string]bool{"bad": true}}

	summary, err := newNotifier(s, m).DeliverPending(context.Background())
	if err == nil {
		t.Fatal("DeliverPending() error = nil, want joined failure")
	}
	if summary.Pending != 4 || summary.Sent != 3 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if m.sent.Load() != 3 {
		t.Errorf("sent %d messages, want 3", m.sent.Load())
	}

	// Draining again only retries the failed record.
	m.failOn = nil
	summary, err = newNotifier(s, m).DeliverPending(context.Background())
	if err != nil {
		t.Fatalf("DeliverPending() second run error = %v", err)
	}
	if summary.Pending != 1 || summary.Sent != 1 {
		t.Errorf("second summary = %+v", summary)
	}
}

func TestDeliverPendingListError(t *testing.T) {
	s := newMemStore()
	s.listErr = errors.New("storage unavailable")

	if _, err := newNotifier(s, &fakeMessenger{}).DeliverPending(context.Background()); err == nil {
		t.Fatal("DeliverPending() error = nil")
	}
}
