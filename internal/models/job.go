// Package models holds the data-model types shared across the crawl
// engine's components: Job, PageRecord, FrontierEntry, Event, and the
// job Options struct threaded through every worker invocation.
package models

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further event may be appended except the
// terminal marker itself.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Totals are the monotonically non-decreasing job-wide counters.
type Totals struct {
	Discovered int `json:"discovered"`
	Queued     int `json:"queued"`
	Processed  int `json:"processed"`
	Filtered   int `json:"filtered"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	FromCache  int `json:"fromCache"`
}

// Job is the aggregate root owning a crawl's PageRecords, Events,
// visited set, FrontierEntries, and worker-slot counter.
type Job struct {
	ID           string     `json:"jobId" badgerhold:"key"`
	SeedURL      string     `json:"seedUrl"`
	Status       JobStatus  `json:"status" badgerhold:"index"`
	CreatedAt    time.Time  `json:"createdAt" badgerhold:"index"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Options      Options    `json:"options"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Totals       Totals     `json:"totals"`
	FinalMarkdown string    `json:"-"` // persisted with the Job record; omitted from JSON state snapshots
}

// Options is the closed set of per-job crawl options, snapshotted at
// job creation time so an invocation never depends on mutable global
// config.
type Options struct {
	MaxPages            int      `json:"maxPages"`
	MaxDepth            int      `json:"maxDepth"`
	MaxWorkers          int      `json:"maxWorkers"`
	BatchCount          int      `json:"batchCount"`
	SoftDeadline        Duration `json:"softDeadline"`
	PageTimeout         Duration `json:"pageTimeout"`
	JobTimeout          Duration `json:"jobTimeout"`
	QualityThreshold    int      `json:"qualityThreshold"`
	FollowExternalLinks bool     `json:"followExternalLinks"`
	RespectRobots       bool     `json:"respectRobots"`
	UseSitemap          bool     `json:"useSitemap"`
	IncludePaths        []string `json:"includePaths"`
	ExcludePaths        []string `json:"excludePaths"`
	MaxLinksPerPage     int      `json:"maxLinksPerPage"`
	ReinvokeMargin      Duration `json:"reinvokeMargin"`
}

// Duration marshals to/from JSON as a Go duration string ("25s") instead
// of a bare integer nanosecond count.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	s = s[1 : len(s)-1] // strip quotes
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }
