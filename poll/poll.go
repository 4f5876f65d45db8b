// Package poll runs keyword watches and records qualifying results for delivery.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"tweet-watcher/credential"
	"tweet-watcher/filter"
	"tweet-watcher/metrics"
	"tweet-watcher/pkg/watcher"
	"tweet-watcher/search"
)

// rotationAttempts is the number of searches a watch may make per cycle,
// counting the first one, when credentials keep getting rate limited.
const rotationAttempts = 3

// Searcher runs a keyword search with a credential.
type Searcher interface {
	Search(ctx context.Context, cred *watcher.Credential, keyword string, limit int) ([]*watcher.Result, error)
}

// Credentials hands out search credentials and records cooldowns.
type Credentials interface {
	Acquire(ctx context.Context) (*watcher.Credential, error)
	ReleaseWithCooldown(ctx context.Context, c *watcher.Credential, resetAt time.Time) error
}

// Store interface for watch and notification persistence.
type Store interface {
	ListActiveWatches(ctx context.Context) ([]*watcher.Watch, error)
	NotificationExists(ctx context.Context, resultID, channel string) (bool, error)
	InsertNotification(ctx context.Context, rec *watcher.Notification) (bool, error)
	StampWatch(ctx context.Context, id string, at time.Time) error
}

// Report summarises one polling cycle.
type Report struct {
	Watches    int `json:"watches"`    // Active watches listed
	Checked    int `json:"checked"`    // Watches fully processed and stamped
	Failed     int `json:"failed"`     // Watches aborted by a storage error
	Unsearched int `json:"unsearched"` // Watches skipped because no credential was left
	Matched    int `json:"matched"`    // Results that passed thresholds
	Created    int `json:"created"`    // Pending notifications written
	Skipped    int `json:"skipped"`    // Results already notified
}

// Monitor handles watch polling logic.
type Monitor struct {
	searcher    Searcher
	creds       Credentials
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	maxResults  int
	rotateDelay time.Duration
}

// New creates a new poll monitor.
func New(searcher Searcher, creds Credentials, store Store, maxResults int, logger *slog.Logger) *Monitor {
	return &Monitor{
		searcher:    searcher,
		creds:       creds,
		store:       store,
		logger:      logger,
		now:         time.Now,
		maxResults:  maxResults,
		rotateDelay: 200 * time.Millisecond,
	}
}

// searchOutcome classifies how a watch's search ended.
type searchOutcome int

const (
	searchOK        searchOutcome = iota
	searchFailed                  // Upstream failure, absorbed
	searchExhausted               // Rotation budget spent
	searchDry                     // No credential left to rotate to
)

// CheckAll runs every active watch once, least recently run first.
// It fails only when no credential is available at the start of the cycle
// or the watch list cannot be read.
func (m *Monitor) CheckAll(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, credential.ErrNoCredential):
			metrics.CyclesTotal.WithLabelValues("no_credential").Inc()
		case err != nil:
			metrics.CyclesTotal.WithLabelValues("error").Inc()
		default:
			metrics.CyclesTotal.WithLabelValues("ok").Inc()
		}
	}()

	watches, err := m.store.ListActiveWatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	sortByLastRun(watches)

	report = &Report{Watches: len(watches)}
	m.logger.Info("Checking watches", "count", len(watches), "timestamp", m.now().Format(time.RFC3339))

	cred, err := m.creds.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire credential: %w", err)
	}

	for _, w := range watches {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			return report, ctx.Err()
		default:
		}

		// The pool ran dry on an earlier watch; see whether a cooldown has expired.
		if cred == nil {
			cred, err = m.creds.Acquire(ctx)
			if err != nil {
				m.logger.Warn("Skipping watch, no credential available", "watch_id", w.ID, "error", err)
				cred = nil
				report.Unsearched++
				continue
			}
		}

		var stamp bool
		cred, stamp, err = m.checkWatch(ctx, w, cred, report)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			m.logger.Warn("Watch check failed", "watch_id", w.ID, "keyword", w.Keyword, "error", err)
			report.Failed++
			continue
		}
		if !stamp {
			report.Unsearched++
			continue
		}

		if err := m.store.StampWatch(ctx, w.ID, m.now()); err != nil {
			m.logger.Warn("Failed to stamp watch", "watch_id", w.ID, "error", err)
			report.Failed++
			continue
		}
		report.Checked++
	}

	m.logger.Info("Watch check completed",
		"watches", report.Watches,
		"checked", report.Checked,
		"failed", report.Failed,
		"unsearched", report.Unsearched,
		"matched", report.Matched,
		"created", report.Created,
		"skipped", report.Skipped)

	return report, nil
}

// checkWatch searches, filters and records one watch. It returns the
// credential to carry to the next watch (nil when the pool is dry) and
// whether the watch should be stamped. A non-nil error means a storage
// failure and the watch must not be stamped.
func (m *Monitor) checkWatch(ctx context.Context, w *watcher.Watch, cred *watcher.Credential, report *Report) (*watcher.Credential, bool, error) {
	m.logger.Info("Starting watch check", "watch_id", w.ID, "keyword", w.Keyword, "channel", w.Channel)

	results, cred, outcome, err := m.searchWithRotation(ctx, w, cred)
	if err != nil {
		return cred, false, err
	}
	switch outcome {
	case searchDry:
		return nil, false, nil
	case searchExhausted, searchFailed:
		// Nothing to record; the watch still counts as run.
		return cred, true, nil
	}

	passing := filter.Apply(results, w.Thresholds)
	report.Matched += len(passing)
	m.logger.Debug("Search results filtered",
		"watch_id", w.ID,
		"results", len(results),
		"passing", len(passing))

	for _, r := range passing {
		exists, err := m.store.NotificationExists(ctx, r.ID, w.Channel)
		if err != nil {
			return cred, false, fmt.Errorf("check notification %s: %w", r.ID, err)
		}
		if exists {
			m.logger.Debug("Result already notified", "watch_id", w.ID, "result_id", r.ID, "channel", w.Channel)
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			report.Skipped++
			continue
		}

		created, err := m.store.InsertNotification(ctx, watcher.NewNotification(w, r, m.now()))
		if err != nil {
			return cred, false, fmt.Errorf("insert notification %s: %w", r.ID, err)
		}
		if !created {
			// Another cycle inserted it between our check and write.
			m.logger.Info("Result notified concurrently", "watch_id", w.ID, "result_id", r.ID, "channel", w.Channel)
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			report.Skipped++
			continue
		}

		m.logger.Info("Notification queued",
			"watch_id", w.ID,
			"result_id", r.ID,
			"channel", w.Channel,
			"likes", r.LikeCount,
			"retweets", r.RetweetCount)
		metrics.NotificationsTotal.WithLabelValues("created").Inc()
		report.Created++
	}

	return cred, true, nil
}

// searchWithRotation runs the search, moving to another credential each time
// the current one is rate limited, up to rotationAttempts searches.
func (m *Monitor) searchWithRotation(ctx context.Context, w *watcher.Watch, cred *watcher.Credential) ([]*watcher.Result, *watcher.Credential, searchOutcome, error) {
	var (
		results   []*watcher.Result
		lastErr   error
		attempt   int
		dry       bool
		exhausted bool
		storeErr  error
	)

	err := retry.Do(
		func() error {
			attempt++
			res, searchErr := m.searcher.Search(ctx, cred, w.Keyword, m.maxResults)
			lastErr = searchErr

			resetAt, limited := search.RateLimitReset(searchErr)
			if !limited {
				if searchErr != nil {
					metrics.SearchesTotal.WithLabelValues("error").Inc()
					return retry.Unrecoverable(searchErr)
				}
				metrics.SearchesTotal.WithLabelValues("ok").Inc()
				results = res
				return nil
			}
			metrics.SearchesTotal.WithLabelValues("rate_limited").Inc()

			if relErr := m.creds.ReleaseWithCooldown(ctx, cred, resetAt); relErr != nil {
				storeErr = relErr
				return retry.Unrecoverable(relErr)
			}
			// No rotation after the last search; the next watch acquires afresh.
			if attempt >= rotationAttempts {
				exhausted = true
				return retry.Unrecoverable(searchErr)
			}
			next, acqErr := m.creds.Acquire(ctx)
			if acqErr != nil {
				if errors.Is(acqErr, credential.ErrNoCredential) {
					dry = true
				} else {
					storeErr = acqErr
				}
				return retry.Unrecoverable(acqErr)
			}
			cred = next
			return searchErr
		},
		retry.Attempts(rotationAttempts),
		retry.Delay(m.rotateDelay),
		retry.MaxDelay(5*m.rotateDelay),
		retry.MaxJitter(m.rotateDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Rotating credential after rate limit", "watch_id", w.ID, "attempt", n+1, "credential", cred, "error", err)
		}),
	)

	// The current credential is throttled whenever a rotation step failed,
	// so it is never handed back.
	switch {
	case storeErr != nil:
		return nil, nil, searchFailed, fmt.Errorf("rotate credential: %w", storeErr)
	case dry:
		m.logger.Warn("Credential pool exhausted mid-cycle", "watch_id", w.ID)
		return nil, nil, searchDry, nil
	case exhausted:
		m.logger.Warn("Rate limit retries exhausted", "watch_id", w.ID, "attempts", rotationAttempts)
		return nil, nil, searchExhausted, nil
	case err == nil:
		return results, cred, searchOK, nil
	case ctx.Err() != nil:
		return nil, cred, searchFailed, ctx.Err()
	}

	m.logger.Warn("Search failed", "watch_id", w.ID, "keyword", w.Keyword, "error", lastErr)
	return nil, cred, searchFailed, nil
}

// sortByLastRun orders watches by LastRunAt ascending, never-run first.
func sortByLastRun(watches []*watcher.Watch) {
	sort.SliceStable(watches, func(i, j int) bool {
		a, b := watches[i].LastRunAt, watches[j].LastRunAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}
