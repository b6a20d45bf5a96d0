package core

// This file centralizes constants related to file formats, magic numbers,
// and record sizes used across the ledger engine.

// --- Magic Numbers ---
const (
	// LogMagic is stamped on every LogRecord.
	LogMagic uint16 = 0xAABB
	// LogVersion is the current LogRecord layout version.
	LogVersion uint16 = 1

	// BackupMagicNumber identifies a backup archive produced by the backup package.
	BackupMagicNumber uint32 = 0x4B434C4E // "NLCK"
)

// --- File Names ---
const (
	// UsersFileName is the append-only file of fixed-size UserRecords.
	UsersFileName = "users.bin"
	// HistoryFileName is the append-only file of fixed-size LogRecords.
	HistoryFileName = "history.bin"
	// SnapshotFileName is the canonical, atomically replaced snapshot file.
	SnapshotFileName = "snapshot.bin"
	// SnapshotTempPattern is the os.CreateTemp pattern used while a snapshot is being written.
	SnapshotTempPattern = SnapshotFileName + ".tmp-*"
	// LockFileName guards the data directory against a second writer process.
	LockFileName = "LOCK"
)

// --- Record Sizes ---
const (
	UsernameSize  = 32
	EmailSize     = 64
	HashSize      = 32
	SaltSize      = 16
	RequestIDSize = 16

	// UserRecordSize = id(8)+username(32)+email(64)+hash(32)+salt(16)+created_at(8)+flags(4)+pad(4)
	UserRecordSize = 168
	// LogRecordSize = magic(2)+version(2)+pad(4)+user_id(8)+timestamp(8)+request_id(16)+action(1)+pad(3)+symbol_id(4)+quantity(8)+amount(8)
	LogRecordSize = 64
	// SnapshotHeaderSize = user_id(8)+cash(8)+stock_count(4)+pad(4)
	SnapshotHeaderSize = 24
	// SnapshotStockSize = symbol_id(4)+pad(4)+quantity(8)
	SnapshotStockSize = 16
	// SnapshotCursorSize is the leading last_log_index of snapshot.bin.
	SnapshotCursorSize = 8
)

// UserFlagActive is set on every UserRecord written at registration.
const UserFlagActive uint32 = 1

// UserFlagLost marks a placeholder that holds the id of a registration whose
// own record never reached disk.
const UserFlagLost uint32 = 2

// PricePerShare is the fixed unit price used by trades.
const PricePerShare int64 = 100
