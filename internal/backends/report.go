package backends

import "sync/atomic"

// PushReport counts export/progress actions per backend. Queue callbacks
// increment it from worker goroutines, so the counters are atomic.
type PushReport struct {
	queued    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (r *PushReport) Queue()   { r.queued.Add(1) }
func (r *PushReport) Succeed() { r.succeeded.Add(1) }
func (r *PushReport) Fail()    { r.failed.Add(1) }

// Counts returns queued/succeeded/failed.
func (r *PushReport) Counts() (int64, int64, int64) {
	return r.queued.Load(), r.succeeded.Load(), r.failed.Load()
}
