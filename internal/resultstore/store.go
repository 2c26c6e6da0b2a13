// Package resultstore persists Jobs and PageRecords on top of the
// badgerhold handle shared with the KV store, giving the job-state and
// download HTTP endpoints indexed, queryable access to crawl results.
package resultstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// Store persists Job and PageRecord values via badgerhold.
type Store struct {
	kv *kvstore.Store
}

// New creates a Store over the given KV store's badgerhold handle.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// SaveJob upserts a Job record.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("resultstore: job ID is required")
	}
	if err := s.kv.Hold().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("resultstore: save job: %w", err)
	}
	return nil
}

// GetJob reads a Job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.kv.Hold().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("resultstore: job not found: %s", jobID)
		}
		return nil, fmt.Errorf("resultstore: get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns every known Job, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := s.kv.Hold().Find(&jobs, badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("resultstore: list jobs: %w", err)
	}
	return jobs, nil
}

// SavePage upserts a PageRecord, keyed by PageKey(jobID, url) so repeat
// inserts for the same (job, URL) pair are naturally idempotent.
func (s *Store) SavePage(ctx context.Context, page *models.PageRecord) error {
	if page.ID == "" {
		return fmt.Errorf("resultstore: page ID is required")
	}
	if err := s.kv.Hold().Upsert(page.ID, page); err != nil {
		return fmt.Errorf("resultstore: save page: %w", err)
	}
	return nil
}

// GetPage reads a single PageRecord by its derived key.
func (s *Store) GetPage(ctx context.Context, jobID, url string) (*models.PageRecord, error) {
	var page models.PageRecord
	if err := s.kv.Hold().Get(models.PageKey(jobID, url), &page); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("resultstore: get page: %w", err)
	}
	return &page, nil
}

// TryTransitionPending moves the PageRecord for (jobID, url) from
// pending to fetching as a single conditional update: the status check
// and the write run inside one Badger transaction, so two workers
// racing on the same page cannot both win. Returns ok=false if the
// record exists and is not pending, meaning another worker already
// owns it; a missing record is claimed as a fresh insert.
func (s *Store) TryTransitionPending(ctx context.Context, page *models.PageRecord) (bool, error) {
	owned := false
	err := s.kv.Hold().Badger().Update(func(txn *badger.Txn) error {
		owned = false
		var existing models.PageRecord
		err := s.kv.Hold().TxGet(txn, page.ID, &existing)
		switch err {
		case badgerhold.ErrNotFound:
			page.Status = models.PageStatusFetching
			page.Attempts++
			owned = true
			return s.kv.Hold().TxUpsert(txn, page.ID, page)
		case nil:
			if existing.Status != models.PageStatusPending {
				return nil
			}
			existing.Status = models.PageStatusFetching
			existing.Attempts++
			if err := s.kv.Hold().TxUpsert(txn, page.ID, &existing); err != nil {
				return err
			}
			*page = existing
			owned = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("resultstore: transition pending: %w", err)
	}
	return owned, nil
}

// PagesForAssembly returns every crawled PageRecord for jobID meeting the
// quality threshold, sorted by quality score descending, for final
// Markdown assembly.
func (s *Store) PagesForAssembly(ctx context.Context, jobID string, qualityThreshold int) ([]*models.PageRecord, error) {
	var pages []*models.PageRecord
	err := s.kv.Hold().Find(&pages, badgerhold.Where("JobID").Eq(jobID).
		And("Status").Eq(models.PageStatusCrawled).
		And("QualityScore").Ge(qualityThreshold))
	if err != nil {
		return nil, fmt.Errorf("resultstore: find pages for assembly: %w", err)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].QualityScore > pages[j].QualityScore })
	return pages, nil
}

// CountPagesByStatus returns how many PageRecords for jobID are in the
// given status, used to populate Job.Totals for the state endpoint.
func (s *Store) CountPagesByStatus(ctx context.Context, jobID string, status models.PageStatus) (int, error) {
	n, err := s.kv.Hold().Count(&models.PageRecord{}, badgerhold.Where("JobID").Eq(jobID).And("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("resultstore: count pages: %w", err)
	}
	return int(n), nil
}
