package tracker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Snapshot is one enumeration of the database.
type Snapshot struct {
	Taken    time.Time
	Torrents []TorrentStat
	Totals   Totals
}

type Totals struct {
	Torrents  int
	Peers     int
	Seeders   int
	Leechers  int
	Completed uint64
}

// Sink receives snapshots from a Reporter.
type Sink interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// Reporter periodically takes a snapshot through an Enumerator and
// publishes it to its sinks.
type Reporter struct {
	enum     Enumerator
	interval time.Duration
	sinks    []Sink
}

func NewReporter(enum Enumerator, interval time.Duration, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{enum: enum, interval: interval, sinks: sinks}
}

func (r *Reporter) AddSink(s Sink) {
	r.sinks = append(r.sinks, s)
}

// Snapshot enumerates the database once.
func (r *Reporter) Snapshot() *Snapshot {
	snap := &Snapshot{Taken: time.Now()}
	r.enum.EachTorrent(func(st TorrentStat) bool {
		snap.Torrents = append(snap.Torrents, st)
		snap.Totals.Torrents++
		snap.Totals.Peers += st.Peers
		snap.Totals.Seeders += st.Seeders
		snap.Totals.Leechers += st.Leechers
		snap.Totals.Completed += st.Completed
		return true
	})
	return snap
}

// Report takes a snapshot and publishes it to every sink. A failing sink
// does not stop the others.
func (r *Reporter) Report(ctx context.Context) {
	snap := r.Snapshot()
	for _, s := range r.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			logrus.WithError(err).Warn("stats sink failed")
		}
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// LogSink logs snapshot totals.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, snap *Snapshot) error {
	logrus.WithFields(logrus.Fields{
		"torrents":  snap.Totals.Torrents,
		"peers":     snap.Totals.Peers,
		"seeders":   snap.Totals.Seeders,
		"leechers":  snap.Totals.Leechers,
		"completed": snap.Totals.Completed,
	}).Info("tracker stats")
	return nil
}
