package clicker

import (
	"log"
	"sync/atomic"
	"time"

	"tcp-clicker/src/shutdown"
)

// DefaultInterval bounds how long a stop request waits on the loop.
const DefaultInterval = time.Second

// MatchFunc runs one match cycle: find the template on screen and click it.
type MatchFunc func(templatePath string, threshold float64) (bool, error)

// Loop repeats match cycles on a fixed cadence until the run's signal is raised.
type Loop struct {
	Match    MatchFunc
	Interval time.Duration
	// OnMatch is called after each successful click with the running total.
	OnMatch func(total uint64)

	count atomic.Uint64
}

// Count returns the number of successful matches so far.
func (l *Loop) Count() uint64 { return l.count.Load() }

// Reset zeroes the match counter.
func (l *Loop) Reset() { l.count.Store(0) }

// Run blocks until sig is raised and returns the match count.
func (l *Loop) Run(sig *shutdown.Signal, templatePath string, threshold float64) uint64 {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for !sig.IsSet() {
		matched, err := l.Match(templatePath, threshold)
		switch {
		case err != nil:
			log.Printf("clicker: match cycle failed: %v", err)
		case matched:
			total := l.count.Add(1)
			log.Printf("clicker: clicked template (%d total)", total)
			if l.OnMatch != nil {
				l.OnMatch(total)
			}
		}

		timer.Reset(interval)
		select {
		case <-sig.Done():
		case <-timer.C:
		}
	}
	log.Printf("clicker: loop stopped after %d matches", l.count.Load())
	return l.count.Load()
}
