package wal

import (
	"github.com/INLOpen/nexusledger/core"
)

// LogAppender is the write side the persist queue drains into.
type LogAppender interface {
	// AppendLog durably appends one record and returns its sequence number.
	AppendLog(rec core.LogRecord) (uint64, error)
}

// WriterInterface defines the public API of the append log writer.
type WriterInterface interface {
	LogAppender
	// AppendUser durably appends one registration and returns its user id.
	AppendUser(rec core.UserRecord) (uint64, error)
	// PadUsers fills users.bin up to n records with lost-registration placeholders.
	PadUsers(n, createdAt uint64) (uint64, error)
	// UserCount returns the number of complete records in users.bin.
	UserCount() uint64
	// LogLength returns the number of complete records in history.bin.
	LogLength() uint64
	// Lengths returns both record counts under one lock.
	Lengths() (users, logs uint64)
	// FsyncLatency returns fsync latency quantiles in milliseconds.
	FsyncLatency() map[string]float64
	Close() error
	Path() string
	SetTestingOnlyInjectAppendError(err error)
	SetTestingOnlyInjectCloseError(err error)
}
