// Package metrics standardises the metric names and tags emitted by the
// scheduler, workers, and coordinator.
package metrics

import (
	"strconv"
	"time"

	apperrors "github.com/ordinaut/ordinaut/internal/errors"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultRetry   = "retry"
	ResultSkipped = "skipped"
)

// RunMetric captures one pipeline run outcome for metric emission.
type RunMetric struct {
	ScheduleKind string
	Result       string
	Attempt      int
	Duration     time.Duration
	Err          error
}

// EmitRunLifecycle emits standardised run lifecycle metrics.
func EmitRunLifecycle(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"kind":    in.ScheduleKind,
		"result":  in.Result,
		"attempt": strconv.Itoa(in.Attempt),
	}
	if in.Err != nil && in.Result != ResultSuccess {
		if code := apperrors.CodeOf(in.Err); code != "" {
			tags["error_code"] = string(code)
		}
	}

	sink.Count("run.finished", 1, tags)
	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, cloneTags(tags))
	}
}

// EmitClaim counts one successful work claim.
func EmitClaim(sink statsd.Sink, scheduleKind string) {
	if sink == nil {
		return
	}
	sink.Count("work.claimed", 1, map[string]string{"kind": scheduleKind})
}

// EmitEnqueue counts one due_work materialization.
func EmitEnqueue(sink statsd.Sink, scheduleKind string) {
	if sink == nil {
		return
	}
	sink.Count("work.enqueued", 1, map[string]string{"kind": scheduleKind})
}

// EmitReclaim counts leases recovered from dead workers.
func EmitReclaim(sink statsd.Sink, count int64) {
	if sink == nil || count == 0 {
		return
	}
	sink.Count("lease.reclaimed", count, nil)
}

// EmitQueueDepth gauges the pending and leased backlog.
func EmitQueueDepth(sink statsd.Sink, pending, leased int64) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.pending", float64(pending), nil)
	sink.Gauge("queue.leased", float64(leased), nil)
}

// EmitLag records how far behind its run_at a claimed row was.
func EmitLag(sink statsd.Sink, lag time.Duration) {
	if sink == nil || lag < 0 {
		return
	}
	sink.Timing("work.lag", lag, nil)
}

func cloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
