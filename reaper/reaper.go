// Package reaper periodically deletes rooms nobody has used for a while.
package reaper

import (
	"context"
	"cowrite-server/core"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Reaper removes rooms that have no members and were last modified more than
// retention ago.
type Reaper struct {
	rooms     core.RoomStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func New(rooms core.RoomStore, retention, interval time.Duration) *Reaper {
	return &Reaper{
		rooms:     rooms,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// Sweep runs one pass and returns the number of deleted rooms.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.retention)
	log := logrus.WithFields(logrus.Fields{
		"run_id": ulid.Make().String(),
		"cutoff": cutoff,
	})

	deleted, err := r.rooms.DeleteIdleRooms(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("Failed to delete idle rooms")
		return 0, err
	}

	if deleted > 0 {
		log.WithField("deleted", deleted).Info("Idle rooms deleted successfully")
	} else {
		log.Debug("No idle rooms to delete")
	}
	return deleted, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"retention": r.retention,
		"interval":  r.interval,
	}).Info("Room reaper started")

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Room reaper stopped")
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}
