package engine

import (
	"log/slog"

	"github.com/INLOpen/nexusledger/core"
)

// LogSource is an indexed sequence of log records. mmap.LogView implements it.
type LogSource interface {
	Len() int
	At(i int) core.LogRecord
}

// UserSource is an indexed sequence of registration records. mmap.UserView implements it.
type UserSource interface {
	Len() int
	At(i int) core.UserRecord
}

// ReplayStats counts what a replay did.
type ReplayStats struct {
	Applied uint64
	Unknown uint64
}

// Replay applies logs[from:to) to portfolios in file order. Records with an
// unknown action kind are counted and skipped. to is clamped to logs.Len().
// Replaying the same range onto the same starting table always gives the
// same result, so a snapshot plus its tail equals a replay from zero.
func Replay(portfolios core.PortfolioTable, logs LogSource, from, to uint64) ReplayStats {
	var stats ReplayStats
	if n := uint64(logs.Len()); to > n {
		to = n
	}
	for seq := from; seq < to; seq++ {
		rec := logs.At(int(seq))
		if !rec.Action.Known() {
			stats.Unknown++
			continue
		}
		if rec.Action == core.ActionNone {
			continue
		}
		portfolios.Get(rec.UserID).Apply(&rec)
		stats.Applied++
	}
	return stats
}

// nextUserID returns one past the highest id in t, or 0 for an empty table.
func nextUserID(t core.PortfolioTable) uint64 {
	var next uint64
	for id := range t {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

type credential struct {
	hash [core.HashSize]byte
	salt [core.SaltSize]byte
}

// rebuildIndex scans every registration in file order. A record's position
// is its user id. Empty names are skipped; a repeated name keeps the first id.
func rebuildIndex(users UserSource, logger *slog.Logger) (map[string]uint64, []credential) {
	n := users.Len()
	index := make(map[string]uint64, n)
	creds := make([]credential, n)
	for i := 0; i < n; i++ {
		u := users.At(i)
		creds[i] = credential{hash: u.PasswordHash, salt: u.Salt}
		name := u.Name()
		if name == "" {
			continue
		}
		if prev, ok := index[name]; ok {
			logger.Warn("Duplicate username in users file, keeping first", "username", name, "first_id", prev, "duplicate_id", i)
			continue
		}
		index[name] = uint64(i)
	}
	return index, creds
}
