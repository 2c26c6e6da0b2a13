// Package frontier implements the two-tier deduplicated work queue: an
// in-process accelerator hash set in front of a KV-authoritative
// visited set and FIFO pending queue, scoped per job. The KV atomic
// set-add, not the in-process map, is the correctness boundary.
package frontier

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/docspasta/crawler-engine/internal/crawlerrors"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
)

// Reason explains why TryEnqueue didn't push a new FrontierEntry.
type Reason string

const (
	ReasonEnqueued        Reason = ""
	ReasonDuplicate       Reason = "duplicate"
	ReasonInvalidURL      Reason = "invalid_url"
	ReasonOutOfScope      Reason = "out_of_scope"
	ReasonDepthExceeded   Reason = "depth_exceeded"
	ReasonCapacityReached Reason = "capacity_reached"
)

// EnqueueResult is the outcome of a single TryEnqueue call.
type EnqueueResult struct {
	Enqueued   bool
	Reason     Reason
	Normalized string
}

// Frontier is a per-process accelerator over the KV-backed frontier for a
// set of jobs. The local seen-cache is fire-and-forget: it speeds up
// repeat local checks, but every enqueue decision is ultimately settled
// by the KV store's atomic set-add, never by the local cache alone.
type Frontier struct {
	kv *kvstore.Store

	mu   sync.Mutex
	seen map[string]map[string]bool // jobID -> normalized URL -> true (local accelerator only)
}

// New creates a Frontier over the given KV store.
func New(kv *kvstore.Store) *Frontier {
	return &Frontier{kv: kv, seen: make(map[string]map[string]bool)}
}

func visitedKey(jobID string) string    { return "visited:" + jobID }
func pendingKey(jobID string) string    { return "frontier:" + jobID }
func admittedKey(jobID string) string   { return "admitted:" + jobID }
func discoveredKey(jobID string) string { return "discovered:" + jobID }
func queuedKey(jobID string) string     { return "queued:" + jobID }
func filteredKey(jobID string) string   { return "filtered:" + jobID }
func skippedKey(jobID string) string    { return "skipped:" + jobID }

// TryEnqueue applies the full admission sequence: depth bound,
// normalization, documentation-path validity, scope, capacity, then
// permutation dedup. On success it pushes a FrontierEntry and bumps the
// admitted, discovered, and queued counters; on any rejection it
// returns the reason so the caller can fold it into job totals without
// a second round-trip, and bumps the matching totals counter itself
// (filtered/skipped) so no caller needs to replicate this
// classification.
//
// "discovered" and "queued" grow only on an actual push, under the same
// maxPages gate as "admitted": counting rejected candidates would let a
// flood of duplicate or over-capacity links push "discovered" past
// maxPages, breaking the processed <= queued <= discovered <= maxPages
// totals chain. Rejected candidates land in "filtered" or "skipped"
// instead.
func (f *Frontier) TryEnqueue(ctx context.Context, jobID, rawURL string, depth int, parent string, base *url.URL, filter *urlnorm.ScopeFilter, maxDepth, maxPages int) (EnqueueResult, error) {
	if depth > maxDepth {
		f.bumpTotal(ctx, filteredKey(jobID))
		return EnqueueResult{Reason: ReasonDepthExceeded}, nil
	}

	normalized, err := urlnorm.Normalize(rawURL, base)
	if err != nil {
		f.bumpTotal(ctx, filteredKey(jobID))
		return EnqueueResult{Reason: ReasonInvalidURL}, nil
	}

	if !urlnorm.IsDocumentationURL(normalized) {
		f.bumpTotal(ctx, filteredKey(jobID))
		return EnqueueResult{Reason: ReasonInvalidURL, Normalized: normalized}, nil
	}
	if filter != nil && !filter.Accepts(normalized) {
		f.bumpTotal(ctx, filteredKey(jobID))
		return EnqueueResult{Reason: ReasonOutOfScope, Normalized: normalized}, nil
	}

	// Fail-closed capacity check: once admitted has reached maxPages,
	// further enqueue attempts in this job are rejected rather than
	// racing to partially admit a page's harvested links.
	admitted, err := f.kv.CounterGet(ctx, admittedKey(jobID))
	if err != nil {
		return EnqueueResult{}, err
	}
	if maxPages > 0 && int(admitted) >= maxPages {
		f.bumpTotal(ctx, skippedKey(jobID))
		return EnqueueResult{Reason: ReasonCapacityReached, Normalized: normalized}, nil
	}

	// Local accelerator: skip the KV round-trip when this process has
	// already seen this exact normalized URL. A local miss still falls
	// through to the authoritative KV check below.
	if f.localSeen(jobID, normalized) {
		f.bumpTotal(ctx, skippedKey(jobID))
		return EnqueueResult{Reason: ReasonDuplicate, Normalized: normalized}, nil
	}

	perms, err := urlnorm.Permutations(normalized)
	if err != nil {
		f.bumpTotal(ctx, filteredKey(jobID))
		return EnqueueResult{Reason: ReasonInvalidURL, Normalized: normalized}, nil
	}

	added, err := f.kv.AtomicSetAdd(ctx, visitedKey(jobID), perms)
	if err != nil {
		return EnqueueResult{}, err
	}
	if added != len(perms) {
		// At least one permutation was already visited: not new.
		f.markLocalSeen(jobID, normalized)
		f.bumpTotal(ctx, skippedKey(jobID))
		return EnqueueResult{Reason: ReasonDuplicate, Normalized: normalized}, nil
	}

	f.markLocalSeen(jobID, normalized)

	if _, err := f.kv.CounterIncr(ctx, admittedKey(jobID), 1); err != nil {
		return EnqueueResult{}, err
	}
	f.bumpTotal(ctx, discoveredKey(jobID))
	f.bumpTotal(ctx, queuedKey(jobID))

	entry := models.FrontierEntry{JobID: jobID, URL: normalized, Depth: depth, ParentURL: parent}
	if err := f.push(ctx, entry); err != nil {
		return EnqueueResult{}, err
	}

	return EnqueueResult{Enqueued: true, Reason: ReasonEnqueued, Normalized: normalized}, nil
}

// bumpTotal increments a job total counter on a best-effort basis. These
// counters feed the state endpoint's totals snapshot; a failure here
// never changes an admission decision, so it's silently discarded
// rather than threaded back through TryEnqueue's own error return.
func (f *Frontier) bumpTotal(ctx context.Context, key string) {
	_, _ = f.kv.CounterIncr(ctx, key, 1)
}

// Counters reads back the discovered/queued/filtered/skipped totals
// accumulated for jobID by TryEnqueue.
func (f *Frontier) Counters(ctx context.Context, jobID string) (discovered, queued, filtered, skipped int, err error) {
	d, err := f.kv.CounterGet(ctx, discoveredKey(jobID))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	q, err := f.kv.CounterGet(ctx, queuedKey(jobID))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	fl, err := f.kv.CounterGet(ctx, filteredKey(jobID))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	sk, err := f.kv.CounterGet(ctx, skippedKey(jobID))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return int(d), int(q), int(fl), int(sk), nil
}

func (f *Frontier) localSeen(jobID, normalized string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[jobID] != nil && f.seen[jobID][normalized]
}

func (f *Frontier) markLocalSeen(jobID, normalized string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[jobID] == nil {
		f.seen[jobID] = make(map[string]bool)
	}
	f.seen[jobID][normalized] = true
}

func (f *Frontier) push(ctx context.Context, entry models.FrontierEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return crawlerrors.New(crawlerrors.Fatal, "Frontier.push", err)
	}
	return f.kv.ListPush(ctx, pendingKey(entry.JobID), string(data))
}

// Dequeue pops one FrontierEntry, or ok=false if the queue is empty.
func (f *Frontier) Dequeue(ctx context.Context, jobID string) (models.FrontierEntry, bool, error) {
	raw, ok, err := f.kv.ListPop(ctx, pendingKey(jobID))
	if err != nil || !ok {
		return models.FrontierEntry{}, false, err
	}
	var entry models.FrontierEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.FrontierEntry{}, false, crawlerrors.New(crawlerrors.Fatal, "Frontier.Dequeue", err)
	}
	return entry, true, nil
}

// IsEmpty reports whether the job's pending queue currently has no
// entries. It is a point-in-time read; callers needing a stable view
// combine it with the active-worker count.
func (f *Frontier) IsEmpty(ctx context.Context, jobID string) (bool, error) {
	n, err := f.kv.ListLen(ctx, pendingKey(jobID))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
