// Package classify implements component C6: mapping raw failures to the
// closed taxonomy {transient, retriable, permanent, fatal} and aggregating
// multiple simultaneous failures by precedence.
package classify

import (
	"net/http"
	"strings"
	"sync"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
)

// RawFailure is everything the classifier needs to categorize one failure:
// it never inspects agent prose, only physics (status codes, exit codes,
// structured error kinds).
type RawFailure struct {
	Err        error
	ExitCode   *int
	HTTPStatus int
	Signature  string // stable identifier for detour/retriable-recurrence matching
}

// Classify maps a RawFailure to a category per the detection rules:
//   - transient: network/timeout/rate-limit/5xx family
//   - permanent: 4xx, validation, missing required input, unknown identifier
//   - fatal: secrets detected, boundary violation, data-integrity failure,
//     invariant broken
//
// retriable is not produced here — it depends on recurrence history, which
// the Tracker below supplies.
func Classify(f RawFailure) kernelerrors.Category {
	if kernelerrors.IsFatal(f.Err) {
		return kernelerrors.CategoryFatal
	}
	if f.HTTPStatus == http.StatusTooManyRequests {
		return kernelerrors.CategoryTransient
	}
	if f.HTTPStatus >= 500 {
		return kernelerrors.CategoryTransient
	}
	if f.HTTPStatus >= 400 {
		return kernelerrors.CategoryPermanent
	}
	if isTimeoutOrNetwork(f.Err) {
		return kernelerrors.CategoryTransient
	}
	if f.ExitCode != nil && *f.ExitCode != 0 {
		return kernelerrors.CategoryPermanent
	}
	return kernelerrors.CategoryOf(f.Err)
}

func isTimeoutOrNetwork(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection refused", "connection reset", "network", "deadline exceeded", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Tracker upgrades a transient classification to retriable when
// the failure's signature has recurred fewer than a threshold of recent
// times (the spec's "flaky test" rule: failed once, passed recently).
type Tracker struct {
	mu         sync.Mutex
	recurrence map[string]int
	threshold  int
}

// NewTracker builds a signature recurrence tracker. threshold is the
// number of recent occurrences of the same signature below which a
// transient failure is treated as merely retriable rather than escalating.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 2
	}
	return &Tracker{recurrence: make(map[string]int), threshold: threshold}
}

// Observe records one occurrence of signature and returns the category
// this occurrence should be treated as: Retriable while the recurrence
// count for this signature is below the configured threshold, otherwise
// the base category passed in (the caller already knows the base
// classification from Classify).
func (t *Tracker) Observe(signature string, base kernelerrors.Category) kernelerrors.Category {
	if signature == "" {
		return base
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recurrence[signature]++
	count := t.recurrence[signature]
	if base == kernelerrors.CategoryTransient && count < t.threshold {
		return kernelerrors.CategoryRetriable
	}
	return base
}

// Count returns how many times signature has been observed so far.
func (t *Tracker) Count(signature string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recurrence[signature]
}

// Reset clears recurrence history for signature, used when a detour
// resolves the underlying issue.
func (t *Tracker) Reset(signature string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recurrence, signature)
}

// Aggregate reduces a set of concurrently-observed failures to a single
// category per the precedence FATAL > PERMANENT > RETRIABLE > TRANSIENT.
// Among same-category failures: the first fatal wins, permanents merge
// toward the highest severity (categorical here, since all permanents are
// equal severity), retriables are already deduplicated by signature via
// Tracker, and transient failures use the longest backoff — which is a
// property of the caller's retry loop, not of this aggregation.
func Aggregate(categories []kernelerrors.Category) kernelerrors.Category {
	highest := kernelerrors.CategoryTransient
	for _, c := range categories {
		highest = kernelerrors.Higher(highest, c)
	}
	return highest
}
