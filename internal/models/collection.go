package models

import (
	"time"
)

// CollectorStatus summarizes one registered collector for the status surface.
type CollectorStatus struct {
	Name        string     `json:"name"`
	EntityType  string     `json:"entity_type"`
	Network     string     `json:"network"`
	Interval    string     `json:"interval"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// CollectionResult is the immutable outcome of one collector run. It is
// produced once per run and consumed by the scheduler's metadata tracker;
// the next scheduled run is the retry unit, never the result itself.
type CollectionResult struct {
	Collector        string            `json:"collector"`
	Success          bool              `json:"success"`
	RecordsCollected int               `json:"records_collected"`
	RecordsSkipped   int               `json:"records_skipped"`
	Errors           []string          `json:"errors,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AddError appends a failure reason; used while the result is being built.
func (r *CollectionResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}
