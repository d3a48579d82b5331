package board

import (
	"math"
	"time"
)

// DefaultDailyCallLimit is the daily invocation quota of the hosted data source.
const DefaultDailyCallLimit = 30_000

// Budget estimates how much of the daily data-source quota the current
// polling setup consumes.
type Budget struct {
	FrontendPerMinute float64 `json:"frontend_per_minute"`
	BackendPerMinute  float64 `json:"backend_per_minute"`
	FrontendPerDay    int     `json:"frontend_per_day"`
	BackendPerDay     int     `json:"backend_per_day"`
	TotalPerDay       int     `json:"total_per_day"`
	Limit             int     `json:"limit"`
	Remaining         int     `json:"remaining"`
	RemainingPercent  int     `json:"remaining_percent"`
}

// CallBudget computes the Budget for the given poll intervals. With auto
// refresh off nothing is scheduled and the whole limit remains. A
// non-positive interval contributes no calls.
func CallBudget(frontend, backend time.Duration, limit int, autoRefresh bool) Budget {
	if limit <= 0 {
		limit = DefaultDailyCallLimit
	}
	b := Budget{Limit: limit, Remaining: limit, RemainingPercent: 100}
	if !autoRefresh {
		return b
	}

	b.FrontendPerMinute = perMinute(frontend)
	b.BackendPerMinute = perMinute(backend)
	b.FrontendPerDay = int(math.Round(b.FrontendPerMinute * 60 * 24))
	b.BackendPerDay = int(math.Round(b.BackendPerMinute * 60 * 24))
	b.TotalPerDay = b.FrontendPerDay + b.BackendPerDay
	b.Remaining = limit - b.TotalPerDay
	b.RemainingPercent = int(math.Round(float64(b.Remaining) / float64(limit) * 100))
	return b
}

func perMinute(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(time.Minute) / float64(interval)
}
