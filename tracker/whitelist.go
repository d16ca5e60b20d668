package tracker

import (
	"bufio"
	"context"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Whitelist keeps the registered torrents in step with a file of hex
// info-hashes (40 chars for v1, 64 for v2), one per line. Text after the
// hash is used as the torrent name; blank lines and # comments are ignored.
//
// A Whitelist only removes torrents it registered itself. Torrents added
// through Database.AddTorrent by other means are left alone.
type Whitelist struct {
	path     string
	db       *Database
	interval time.Duration
	lastMod  time.Time
	owned    map[InfoHash]*Torrent
}

func NewWhitelist(path string, db *Database, interval time.Duration) *Whitelist {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Whitelist{
		path:     path,
		db:       db,
		interval: interval,
		owned:    make(map[InfoHash]*Torrent),
	}
}

type whitelistEntry struct {
	raw  []byte
	name string
}

func (wl *Whitelist) load() (map[InfoHash]whitelistEntry, error) {
	//nolint:gosec // path is controlled by the admin
	file, err := os.Open(wl.path)
	if err != nil {
		return nil, errors.Wrap(err, "open whitelist")
	}
	defer file.Close()

	entries := make(map[InfoHash]whitelistEntry)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		hexHash, name, _ := strings.Cut(line, " ")
		raw, err := hex.DecodeString(hexHash)
		if err != nil {
			logrus.WithFields(logrus.Fields{"line": lineNum, "path": wl.path}).Warn("whitelist: invalid hex string, skipping")
			continue
		}
		ih, err := ParseInfoHash(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"line": lineNum, "path": wl.path}).WithError(err).Warn("whitelist: skipping line")
			continue
		}
		entries[ih] = whitelistEntry{raw: raw, name: strings.TrimSpace(name)}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read whitelist")
	}
	return entries, nil
}

// Sync registers listed torrents and removes the ones it registered earlier
// that are no longer listed. It returns how many were added and removed.
// Sync is not safe for concurrent use.
func (wl *Whitelist) Sync() (added, removed int, err error) {
	entries, err := wl.load()
	if err != nil {
		return 0, 0, err
	}

	for ih, e := range entries {
		// retried every sync so a torrent removed behind our back comes back
		t, err := NewTorrent(e.name, e.raw)
		if err != nil {
			continue
		}
		if wl.db.AddTorrent(t) {
			wl.owned[ih] = t
			added++
		}
	}

	for ih, t := range wl.owned {
		if _, ok := entries[ih]; ok {
			continue
		}
		delete(wl.owned, ih)
		if wl.db.removeExact(t) {
			removed++
		}
	}
	return added, removed, nil
}

// Run syncs once, then again whenever the file modification time changes.
func (wl *Whitelist) Run(ctx context.Context) error {
	if err := wl.syncAndLog(); err != nil {
		return err
	}

	ticker := time.NewTicker(wl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(wl.path)
			if err != nil {
				logrus.WithError(err).Warn("whitelist: stat failed")
				continue
			}
			if fi.ModTime().Equal(wl.lastMod) {
				continue
			}
			if err := wl.syncAndLog(); err != nil {
				logrus.WithError(err).Warn("whitelist: reload failed")
			}
		}
	}
}

func (wl *Whitelist) syncAndLog() error {
	if fi, err := os.Stat(wl.path); err == nil {
		wl.lastMod = fi.ModTime()
	}
	added, removed, err := wl.Sync()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"path":    wl.path,
		"added":   added,
		"removed": removed,
	}).Info("whitelist synced")
	return nil
}
