// Package storage handles persistence of watches, credentials and notifications.
package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"tweet-watcher/pkg/watcher"
)

// errConflict reports a failed write precondition (object exists or generation moved).
var errConflict = errors.New("storage: precondition failed")

// Store keeps JSON objects in a Cloud Storage bucket, or in a local directory
// when localPath is set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	mu sync.Mutex // guards generation-checked writes in local mode
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Close releases nothing; the Cloud Storage client is owned by the caller.
func (*Store) Close() error { return nil }

// precondition restricts a write. The zero value writes unconditionally.
type precondition struct {
	generation int64 // object must still be at this generation
	absent     bool  // object must not exist yet
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// read returns the object body and its generation.
func (s *Store) read(ctx context.Context, key string) ([]byte, int64, error) {
	if key == "" {
		return nil, 0, errors.New("invalid key format")
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		data, err := os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, fmt.Errorf("read %s: %w", key, watcher.ErrNotFound)
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, localGeneration(data), nil
	}

	// Cloud Storage with retry logic for reliability
	var (
		data       []byte
		generation int64
		missing    bool
	)
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retryOptions(ctx, s.logger, "read", key)...,
	)
	if missing {
		return nil, 0, fmt.Errorf("read %s: %w", key, watcher.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, generation, nil
}

// write stores data under key, honouring cond. A failed precondition returns errConflict.
func (s *Store) write(ctx context.Context, key string, data []byte, cond precondition) error {
	if key == "" {
		return errors.New("invalid key format")
	}

	// Local filesystem storage
	if s.localPath != "" {
		return s.writeLocal(key, data, cond)
	}

	// Cloud Storage with retry logic for reliability
	var conflict bool
	err := retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			switch {
			case cond.absent:
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			case cond.generation != 0:
				obj = obj.If(storage.Conditions{GenerationMatch: cond.generation})
			}

			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "write", key)...,
	)
	if conflict {
		return errConflict
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) writeLocal(key string, data []byte, cond precondition) error {
	filePath := filepath.Join(s.localPath, key)

	if cond.absent {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return errConflict
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local object: %w", err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cond.generation != 0 {
		current, err := os.ReadFile(filePath)
		if err != nil || localGeneration(current) != cond.generation {
			return errConflict
		}
	}

	// Write to a temp file and rename so readers never see a partial object.
	tmp, err := os.CreateTemp(s.localPath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// remove deletes the object under key. Missing objects yield watcher.ErrNotFound.
func (s *Store) remove(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("invalid key format")
	}

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", key, watcher.ErrNotFound)
			}
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	var missing bool
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(deleteErr)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if missing {
		return fmt.Errorf("delete %s: %w", key, watcher.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// list returns the keys under prefix in lexical order.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// localGeneration stands in for a Cloud Storage generation in local mode.
// It changes whenever the content does and is never zero.
func localGeneration(data []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	if g := int64(h.Sum64() &^ (1 << 63)); g != 0 {
		return g
	}
	return 1
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, watcher.ErrNotFound)
}
