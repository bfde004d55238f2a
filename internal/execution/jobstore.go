package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"macro-sleeve-engine/pkg/types"
)

// Venue is the trading-venue category a job's liquidity window targets.
type Venue string

const (
	VenueEU  Venue = "EU"
	VenueUS  Venue = "US"
	VenueFX  Venue = "FX"
	VenueFut Venue = "FUT"
)

// ExecutionStyle says when within the session a job should run.
type ExecutionStyle string

const (
	StyleMidday       ExecutionStyle = "MIDDAY"
	StyleCloseAuction ExecutionStyle = "CLOSE_AUCTION"
	StyleOpenAuction  ExecutionStyle = "OPEN_AUCTION"
	StyleAny          ExecutionStyle = "ANY"
)

// JobStatus is an execution job's lifecycle state.
type JobStatus string

const (
	JobPending  JobStatus = "PENDING"
	JobSubmitted JobStatus = "SUBMITTED"
	JobPartial  JobStatus = "PARTIAL"
	JobDone     JobStatus = "DONE"
	JobFailed   JobStatus = "FAILED"
	JobCanceled JobStatus = "CANCELED"
	JobSkipped  JobStatus = "SKIPPED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCanceled, JobSkipped:
		return true
	default:
		return false
	}
}

// ExecutionJob is a basket of intents scheduled for a venue-specific
// liquidity window, created at precompute time and executed once the
// window opens. CorrelationID makes resubmission after a restart
// idempotent: the same basket of intents for the same date/venue/style
// always hashes to the same job, so a crash mid-run never double-submits.
type ExecutionJob struct {
	JobID            string             `json:"job_id"`
	CorrelationID    string             `json:"correlation_id"`
	TradeDate        string             `json:"trade_date"`
	Venue            Venue              `json:"venue"`
	Style            ExecutionStyle     `json:"style"`
	CreatedAt        time.Time          `json:"created_at_utc"`
	EarliestStart    time.Time          `json:"earliest_start_utc"`
	LatestEnd        time.Time          `json:"latest_end_utc"`
	Intents          []types.OrderIntent `json:"intents"`
	Status           JobStatus          `json:"status"`
	LastError        string             `json:"last_error,omitempty"`
	StartedAt        *time.Time         `json:"started_at_utc,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at_utc,omitempty"`
	FilledCount      int                `json:"filled_count"`
	TotalNotionalUSD float64            `json:"total_notional_usd"`
	TotalSlippageBps float64            `json:"total_slippage_bps"`
	GatedIntents     []string           `json:"gated_intents,omitempty"`
	GatedNotionalUSD float64            `json:"gated_notional_usd"`
}

// IsWithinWindow reports whether now falls inside the job's execution
// window.
func (j ExecutionJob) IsWithinWindow(now time.Time) bool {
	return !now.Before(j.EarliestStart) && !now.After(j.LatestEnd)
}

// IsExecutable reports whether the job is still waiting to run.
func (j ExecutionJob) IsExecutable() bool {
	return j.Status == JobPending
}

// GenerateJobID derives a deterministic, idempotent job ID from its
// scheduling key and intent contents: the same basket requested twice for
// the same date/venue/style always yields the same ID.
func GenerateJobID(tradeDate string, venue Venue, style ExecutionStyle, intents []types.OrderIntent) string {
	sorted := append([]types.OrderIntent(nil), intents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstrumentID < sorted[j].InstrumentID })

	content := fmt.Sprintf("%s|%s|%s", tradeDate, venue, style)
	for _, in := range sorted {
		content += fmt.Sprintf("|%s:%s:%g:%s", in.InstrumentID, in.Side, in.Quantity, in.Sleeve)
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s_%s_%s_%s", tradeDate, venue, style, hex.EncodeToString(sum[:])[:8])
}

// JobStore persists execution jobs as a single JSON file, keyed by job ID,
// mutex-protected and written via atomic temp-file rename.
type JobStore struct {
	path string
	mu   sync.Mutex
	jobs map[string]ExecutionJob
}

type jobStoreFile struct {
	UpdatedAt time.Time                 `json:"updated_at"`
	Jobs      map[string]ExecutionJob   `json:"jobs"`
}

// OpenJobStore loads (or initializes) a job store backed by the given
// JSON file path.
func OpenJobStore(path string) (*JobStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create job store dir: %w", err)
	}
	s := &JobStore{path: path, jobs: map[string]ExecutionJob{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JobStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read job store: %w", err)
	}
	var file jobStoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal job store: %w", err)
	}
	if file.Jobs != nil {
		s.jobs = file.Jobs
	}
	return nil
}

func (s *JobStore) save() error {
	file := jobStoreFile{UpdatedAt: time.Now().UTC(), Jobs: s.jobs}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// CreateIfNotExists creates and persists a new job unless one with the
// same deterministic ID already exists, in which case the existing job is
// returned untouched. This is the idempotency entry point: callers should
// always go through it rather than constructing ExecutionJob directly.
func (s *JobStore) CreateIfNotExists(tradeDate string, venue Venue, style ExecutionStyle, intents []types.OrderIntent, earliestStart, latestEnd time.Time, now time.Time) (ExecutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := GenerateJobID(tradeDate, venue, style, intents)
	if existing, ok := s.jobs[id]; ok {
		return existing, nil
	}

	job := ExecutionJob{
		JobID:         id,
		CorrelationID: id,
		TradeDate:     tradeDate,
		Venue:         venue,
		Style:         style,
		CreatedAt:     now,
		EarliestStart: earliestStart,
		LatestEnd:     latestEnd,
		Intents:       intents,
		Status:        JobPending,
	}
	s.jobs[id] = job
	return job, s.save()
}

// Get returns a job by ID.
func (s *JobStore) Get(jobID string) (ExecutionJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// PendingForDate returns pending jobs for a trade date, ordered by
// earliest start.
func (s *JobStore) PendingForDate(tradeDate string) []ExecutionJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ExecutionJob
	for _, j := range s.jobs {
		if j.Status == JobPending && j.TradeDate == tradeDate {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EarliestStart.Before(out[j].EarliestStart) })
	return out
}

// Executable returns jobs that are both pending and within their window
// right now.
func (s *JobStore) Executable(now time.Time) []ExecutionJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ExecutionJob
	for _, j := range s.jobs {
		if j.IsExecutable() && j.IsWithinWindow(now) {
			out = append(out, j)
		}
	}
	return out
}

// MarkStatus transitions a job's status, stamping started/completed
// timestamps as appropriate, and persists the change.
func (s *JobStore) MarkStatus(jobID string, status JobStatus, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Status = status
	job.LastError = errMsg

	switch status {
	case JobSubmitted:
		job.StartedAt = &now
	default:
		if status.Terminal() {
			job.CompletedAt = &now
		}
	}
	s.jobs[jobID] = job
	return s.save()
}

// UpdateResults records a job's fill and gating outcomes and persists
// them.
func (s *JobStore) UpdateResults(jobID string, filledCount int, totalNotionalUSD, totalSlippageBps float64, gatedIntents []string, gatedNotionalUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.FilledCount = filledCount
	job.TotalNotionalUSD = totalNotionalUSD
	job.TotalSlippageBps = totalSlippageBps
	if gatedIntents != nil {
		job.GatedIntents = gatedIntents
		job.GatedNotionalUSD = gatedNotionalUSD
	}
	s.jobs[jobID] = job
	return s.save()
}

// CleanupOlderThan removes terminal jobs whose trade date is before the
// cutoff date (YYYY-MM-DD), returning the count removed.
func (s *JobStore) CleanupOlderThan(cutoffDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.TradeDate < cutoffDate {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.jobs, id)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	return len(removed), s.save()
}
