// Package filter narrows search results to those meeting a watch's engagement thresholds.
package filter

import "tweet-watcher/pkg/watcher"

// Apply keeps the results whose like and retweet counts reach the thresholds.
// An unset threshold does not constrain; bounds are inclusive. Order is preserved.
func Apply(results []*watcher.Result, th watcher.Thresholds) []*watcher.Result {
	kept := make([]*watcher.Result, 0, len(results))
	for _, r := range results {
		if Passes(r, th) {
			kept = append(kept, r)
		}
	}
	return kept
}

// Passes reports whether a single result meets the thresholds.
func Passes(r *watcher.Result, th watcher.Thresholds) bool {
	if th.Like != nil && r.LikeCount < *th.Like {
		return false
	}
	if th.Retweet != nil && r.RetweetCount < *th.Retweet {
		return false
	}
	return true
}
