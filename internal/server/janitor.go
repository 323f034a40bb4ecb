package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/earlysignal/intake/session"
)

// Janitor periodically sweeps expired sessions out of the session store.
// The redis backend expires keys itself, so its sweeps are no-ops.
type Janitor struct {
	Sessions session.Store
	Cron     string
	Stop     chan struct{}

	lastRun *time.Time
}

func (j *Janitor) Start() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-j.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				j.tick()
			}
		}
	}()
}

func (j *Janitor) tick() {
	if !isDue(j.Cron, j.lastRun) {
		return
	}
	now := time.Now()
	j.lastRun = &now

	pruned, err := j.Sessions.PruneExpired(context.Background())
	if err != nil {
		log.Printf("[JANITOR] sweep failed: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("[JANITOR] pruned %d expired sessions", pruned)
	}
}

// isDue determines whether a cron schedule has come due since last.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @hourly if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
