package concurrency

// PoolStats provides statistics about pool activity
type PoolStats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Workers   int    `json:"workers"`   // Fixed number of workers
	Busy      int    `json:"busy"`      // Workers currently executing a job
	Queued    int64  `json:"queued"`    // Accepted jobs not yet started
	Submitted int64  `json:"submitted"` // Total accepted jobs
	Completed int64  `json:"completed"` // Total jobs that ran, whatever the outcome
	Failed    int64  `json:"failed"`    // Tasks that returned an error
	Panicked  int64  `json:"panicked"`  // Jobs that panicked and were isolated
}

// Utilization is the share of busy workers, 0-100.
func (s PoolStats) Utilization() float64 {
	if s.Workers == 0 {
		return 0
	}
	return float64(s.Busy) / float64(s.Workers) * 100.0
}
