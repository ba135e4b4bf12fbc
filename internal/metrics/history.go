package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunRecord is the summary of one completed certification run.
type RunRecord struct {
	RunID           string    `json:"run_id"`
	Backend         string    `json:"backend"`
	Model           string    `json:"model"`
	Question        string    `json:"question"`
	ExpectedAnswer  string    `json:"expected_answer"`
	Correct         int       `json:"correct"`
	Total           int       `json:"total"`
	Failed          int       `json:"failed"`
	Accuracy        float64   `json:"accuracy"`
	LowerBound      float64   `json:"lower_bound"`
	UpperBound      float64   `json:"upper_bound"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// HistoryStore keeps run records per backend.
type HistoryStore interface {
	// Append stores rec.
	Append(ctx context.Context, rec RunRecord) error

	// Since returns the records of backend at or after since, oldest first.
	Since(ctx context.Context, backend string, since time.Time) ([]RunRecord, error)

	Close() error
}

// MemoryHistory is a process-local HistoryStore retaining the most recent
// records of each backend.
type MemoryHistory struct {
	mu         sync.RWMutex
	records    map[string][]RunRecord
	maxRecords int
}

// NewMemoryHistory retains up to maxRecords per backend (default 1000).
func NewMemoryHistory(maxRecords int) *MemoryHistory {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &MemoryHistory{
		records:    make(map[string][]RunRecord),
		maxRecords: maxRecords,
	}
}

// Append stores rec, trimming the oldest records past the retention limit.
func (h *MemoryHistory) Append(_ context.Context, rec RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs := append(h.records[rec.Backend], rec)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
	if len(recs) > h.maxRecords {
		recs = recs[len(recs)-h.maxRecords:]
	}
	h.records[rec.Backend] = recs
	return nil
}

// Since returns a copy of the matching records.
func (h *MemoryHistory) Since(_ context.Context, backend string, since time.Time) ([]RunRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]RunRecord, 0, len(h.records[backend]))
	for _, r := range h.records[backend] {
		if !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

// Close is a no-op.
func (h *MemoryHistory) Close() error { return nil }

// HistorySummary aggregates a series of runs.
type HistorySummary struct {
	Runs         int     `json:"runs"`
	MeanAccuracy float64 `json:"mean_accuracy"`
	MinAccuracy  float64 `json:"min_accuracy"`
	MaxAccuracy  float64 `json:"max_accuracy"`
	Images       int     `json:"images"`
	Correct      int     `json:"correct"`
}

// Summarize aggregates records. Pooled counts are reported alongside the
// per-run accuracy range.
func Summarize(records []RunRecord) HistorySummary {
	if len(records) == 0 {
		return HistorySummary{}
	}

	s := HistorySummary{
		Runs:        len(records),
		MinAccuracy: records[0].Accuracy,
		MaxAccuracy: records[0].Accuracy,
	}
	var sum float64
	for _, r := range records {
		sum += r.Accuracy
		if r.Accuracy < s.MinAccuracy {
			s.MinAccuracy = r.Accuracy
		}
		if r.Accuracy > s.MaxAccuracy {
			s.MaxAccuracy = r.Accuracy
		}
		s.Images += r.Total
		s.Correct += r.Correct
	}
	s.MeanAccuracy = sum / float64(len(records))
	return s
}
