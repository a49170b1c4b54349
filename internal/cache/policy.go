package cache

import (
	"time"
)

// Resource names used as cache key discriminators.
const (
	ResourceDiaries  = "diaries"
	ResourceEvents   = "events"
	ResourceTasks    = "tasks"
	ResourceHealth   = "health"
	ResourceAnalysis = "analysis"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Policy controls freshness and retry for one resource.
type Policy struct {
	// TTL is how long a successful fetch is served without refetching.
	// Zero means every access after a fetch sees the entry as stale.
	TTL time.Duration
	// MaxRetries is the number of automatic retries after a failed fetch.
	MaxRetries int
}

var (
	// ListPolicy applies to plain collections.
	ListPolicy = Policy{TTL: 30 * time.Second, MaxRetries: 3}
	// AnalysisPolicy applies to expensive server-side analyses.
	AnalysisPolicy = Policy{TTL: 5 * time.Minute, MaxRetries: 1}
)

// Backoff returns the delay before retry number n (1-based):
// min(1s * 2^(n-1), 30s).
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := baseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The real implementation is time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
