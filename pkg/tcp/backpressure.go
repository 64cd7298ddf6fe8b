package tcp

import (
	"sync/atomic"
)

// BackpressureController bounds the number of connections in flight
// (queued on the executor or being handled). Overflow is rejected at accept
// time instead of piling up in the executor's unbounded queue.
type BackpressureController struct {
	capacity int64 // 0 means unlimited
	load     atomic.Int64
	rejected atomic.Int64
}

// NewBackpressureController creates a controller admitting up to capacity
// connections at once. capacity <= 0 admits everything.
func NewBackpressureController(capacity int) *BackpressureController {
	if capacity < 0 {
		capacity = 0
	}
	return &BackpressureController{capacity: int64(capacity)}
}

// TryAcquire takes a slot, or reports false if the controller is full.
func (bc *BackpressureController) TryAcquire() bool {
	if bc.capacity == 0 {
		bc.load.Add(1)
		return true
	}
	for {
		cur := bc.load.Load()
		if cur >= bc.capacity {
			bc.rejected.Add(1)
			return false
		}
		if bc.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire.
func (bc *BackpressureController) Release() {
	bc.load.Add(-1)
}

// GetMetrics returns current backpressure metrics.
func (bc *BackpressureController) GetMetrics() BackpressureMetrics {
	load := bc.load.Load()
	util := 0.0
	if bc.capacity > 0 {
		util = float64(load) / float64(bc.capacity) * 100
	}
	return BackpressureMetrics{
		Capacity:      bc.capacity,
		CurrentLoad:   load,
		RejectedCount: bc.rejected.Load(),
		Utilization:   util,
	}
}

// BackpressureMetrics provides backpressure statistics.
type BackpressureMetrics struct {
	Capacity      int64   // 0 when unlimited
	CurrentLoad   int64   // Connections in flight
	RejectedCount int64   // Total rejected connections
	Utilization   float64 // CurrentLoad as a percentage of Capacity
}
