package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/mmap"
	"github.com/INLOpen/nexusledger/snapshot"
	"github.com/INLOpen/nexusledger/sys"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// IssueKind classifies a verification finding.
type IssueKind string

const (
	IssueBadMagic       IssueKind = "bad_magic"
	IssueBadVersion     IssueKind = "bad_version"
	IssueUnknownAction  IssueKind = "unknown_action"
	IssueUnknownUser    IssueKind = "unknown_user"
	IssueUserIDMismatch IssueKind = "user_id_mismatch"
	IssueEmptyUsername  IssueKind = "empty_username"
	IssueSnapshotAhead  IssueKind = "snapshot_ahead_of_log"
	IssueReplayMismatch IssueKind = "replay_mismatch"
)

// maxIssuesPerKindKept caps Issues per kind; the rest are only counted.
const maxIssuesPerKindKept = 100

// Issue is one finding. Index is the record position in File.
type Issue struct {
	File   string    `json:"file"`
	Index  uint64    `json:"index"`
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail"`
}

// VerifyReport is the result of an integrity check.
type VerifyReport struct {
	Users       uint64 `json:"users"`
	LogRecords  uint64 `json:"log_records"`
	ActiveUsers uint64 `json:"active_users"`
	// LostUsers counts placeholders for registrations that never reached disk.
	LostUsers uint64 `json:"lost_users"`
	// SnapshotCursor is only set by VerifyDir.
	SnapshotCursor uint64  `json:"snapshot_cursor"`
	Issues         []Issue `json:"issues"`
	// Truncated counts issues not kept in Issues.
	Truncated map[IssueKind]uint64 `json:"truncated,omitempty"`
}

// OK reports whether no issue was found.
func (r *VerifyReport) OK() bool {
	return len(r.Issues) == 0 && len(r.Truncated) == 0
}

func (r *VerifyReport) add(issue Issue) {
	n := 0
	for _, i := range r.Issues {
		if i.Kind == issue.Kind {
			n++
		}
	}
	if n >= maxIssuesPerKindKept {
		if r.Truncated == nil {
			r.Truncated = make(map[IssueKind]uint64)
		}
		r.Truncated[issue.Kind]++
		return
	}
	r.Issues = append(r.Issues, issue)
}

// verifyRecords checks every record of both files. Registered ids are kept in
// a bitmap so log records naming an unknown user are found in one pass.
func verifyRecords(users UserSource, logs LogSource) *VerifyReport {
	report := &VerifyReport{Users: uint64(users.Len()), LogRecords: uint64(logs.Len())}

	registered := roaring64.New()
	for i := 0; i < users.Len(); i++ {
		u := users.At(i)
		if u.UserID != uint64(i) {
			report.add(Issue{File: core.UsersFileName, Index: uint64(i), Kind: IssueUserIDMismatch,
				Detail: fmt.Sprintf("record carries user_id %d", u.UserID)})
		}
		if u.Lost() {
			report.LostUsers++
		} else if u.Name() == "" {
			report.add(Issue{File: core.UsersFileName, Index: uint64(i), Kind: IssueEmptyUsername})
		}
		registered.Add(uint64(i))
	}

	active := roaring64.New()
	for i := 0; i < logs.Len(); i++ {
		rec := logs.At(i)
		seq := uint64(i)
		if rec.Magic != core.LogMagic {
			report.add(Issue{File: core.HistoryFileName, Index: seq, Kind: IssueBadMagic, Detail: fmt.Sprintf("0x%04X", rec.Magic)})
		}
		if rec.Version != core.LogVersion {
			report.add(Issue{File: core.HistoryFileName, Index: seq, Kind: IssueBadVersion, Detail: fmt.Sprintf("%d", rec.Version)})
		}
		if !rec.Action.Known() {
			report.add(Issue{File: core.HistoryFileName, Index: seq, Kind: IssueUnknownAction, Detail: rec.Action.String()})
		}
		if !registered.Contains(rec.UserID) {
			report.add(Issue{File: core.HistoryFileName, Index: seq, Kind: IssueUnknownUser, Detail: fmt.Sprintf("user_id %d", rec.UserID)})
		}
		active.Add(rec.UserID)
	}
	report.ActiveUsers = roaring64.And(active, registered).GetCardinality()
	return report
}

// sameState compares two tables treating a missing portfolio as empty.
func sameState(a, b core.PortfolioTable) bool {
	ids := roaring64.New()
	for id := range a {
		ids.Add(id)
	}
	for id := range b {
		ids.Add(id)
	}
	it := ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		if !samePortfolio(a[id], b[id]) {
			return false
		}
	}
	return true
}

func samePortfolio(x, y *core.Portfolio) bool {
	if x == nil {
		x = core.NewPortfolio()
	}
	if y == nil {
		y = core.NewPortfolio()
	}
	if x.Cash != y.Cash {
		return false
	}
	for sym, qty := range x.Stocks {
		if y.Stocks[sym] != qty {
			return false
		}
	}
	for sym, qty := range y.Stocks {
		if x.Stocks[sym] != qty {
			return false
		}
	}
	return true
}

// Verify checks the files behind a running engine and confirms that a full
// replay of the durable log reproduces the durable state.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	_, span := e.tracer.Start(ctx, "Engine.Verify")
	defer span.End()

	e.durableMu.Lock()
	durable := e.durable.Clone()
	durableLen := e.durableLen
	e.durableMu.Unlock()

	if err := e.reader.Remap(); err != nil {
		return nil, fmt.Errorf("failed to remap data files: %w", err)
	}
	logs := e.reader.Logs()
	report := verifyRecords(e.reader.Users(), logs)

	full := core.PortfolioTable{}
	Replay(full, logs, 0, durableLen)
	if !sameState(full, durable) {
		report.add(Issue{File: core.HistoryFileName, Index: durableLen, Kind: IssueReplayMismatch,
			Detail: "full replay differs from in-memory durable state"})
	}
	e.logger.Info("Verification finished.", "users", report.Users, "log_records", report.LogRecords, "issues", len(report.Issues))
	return report, nil
}

// VerifyDir checks a data directory that no engine has open. It takes the
// writer lock for the duration, so it fails with core.ErrWriterLocked while
// a server is running on dir.
func VerifyDir(dir string, logger *slog.Logger) (_ *VerifyReport, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	release, err := sys.AcquireOSFileLock(filepath.Join(dir, core.LockFileName), 0)
	if err != nil {
		if errors.Is(err, sys.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", core.ErrWriterLocked, dir)
		}
		return nil, err
	}
	defer func() { err = errors.Join(err, release()) }()

	reader, err := mmap.Open(dir, logger)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, reader.Close()) }()

	logs := reader.Logs()
	report := verifyRecords(reader.Users(), logs)

	table, cursor, err := snapshot.NewManager(snapshot.Options{Dir: dir, Logger: logger}).Load()
	if err != nil {
		return nil, err
	}
	report.SnapshotCursor = cursor
	total := uint64(logs.Len())
	if cursor > total {
		report.add(Issue{File: core.SnapshotFileName, Index: cursor, Kind: IssueSnapshotAhead,
			Detail: fmt.Sprintf("cursor %d, log length %d", cursor, total)})
		return report, nil
	}

	Replay(table, logs, cursor, total)
	full := core.PortfolioTable{}
	Replay(full, logs, 0, total)
	if !sameState(table, full) {
		report.add(Issue{File: core.SnapshotFileName, Index: cursor, Kind: IssueReplayMismatch,
			Detail: "snapshot plus tail differs from full replay"})
	}
	return report, nil
}
