// Package scheduler owns the periodic-job loops. Each job type (posting,
// interaction polling, account monitoring) gets one Loop: a single
// goroutine driven by a timer, so two runs of the same job can never
// overlap. Before each run the loop consults the peak-hour calendar and the
// budget allocator; the delay to the next run adapts to usage pressure.
package scheduler
