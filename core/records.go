package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ActionKind is the on-disk tag of a LogRecord. It is stored as a single byte.
type ActionKind uint8

const (
	ActionNone     ActionKind = 0
	ActionDeposit  ActionKind = 1
	ActionWithdraw ActionKind = 2
	ActionTrade    ActionKind = 3
)

// Known reports whether the tag is one this version understands. Unknown tags
// are decoded without error and replayed as no-ops.
func (a ActionKind) Known() bool {
	return a <= ActionTrade
}

func (a ActionKind) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionTrade:
		return "trade"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// UserRecord is the fixed-size registration entry stored in users.bin.
// Its position in the file is its user id.
type UserRecord struct {
	UserID       uint64
	Username     [UsernameSize]byte
	Email        [EmailSize]byte
	PasswordHash [HashSize]byte
	Salt         [SaltSize]byte
	CreatedAt    uint64
	Flags        uint32
}

// NewUserRecord builds a UserRecord, truncating username and email to their
// fixed widths.
func NewUserRecord(userID uint64, username, email string, hash [HashSize]byte, salt [SaltSize]byte, createdAt uint64) UserRecord {
	u := UserRecord{
		UserID:       userID,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    createdAt,
		Flags:        UserFlagActive,
	}
	PutFixedString(u.Username[:], username)
	PutFixedString(u.Email[:], email)
	return u
}

// NewLostUserRecord builds the placeholder written at userID when the real
// registration failed to persist. It has no name, so nobody can log in as it.
func NewLostUserRecord(userID, createdAt uint64) UserRecord {
	return UserRecord{UserID: userID, CreatedAt: createdAt, Flags: UserFlagLost}
}

// Lost reports whether u is a placeholder for a failed registration.
func (u *UserRecord) Lost() bool {
	return u.Flags&UserFlagLost != 0
}

// Name returns the username with its zero padding removed.
func (u *UserRecord) Name() string {
	return TrimFixedString(u.Username[:])
}

// EmailAddress returns the email with its zero padding removed.
func (u *UserRecord) EmailAddress() string {
	return TrimFixedString(u.Email[:])
}

// Encode writes the record into dst, which must hold at least UserRecordSize bytes.
// Padding bytes are always written as zero.
func (u *UserRecord) Encode(dst []byte) error {
	if len(dst) < UserRecordSize {
		return fmt.Errorf("encode user record: %w: have %d, need %d", ErrShortBuffer, len(dst), UserRecordSize)
	}
	dst = dst[:UserRecordSize]
	binary.LittleEndian.PutUint64(dst[0:8], u.UserID)
	copy(dst[8:40], u.Username[:])
	copy(dst[40:104], u.Email[:])
	copy(dst[104:136], u.PasswordHash[:])
	copy(dst[136:152], u.Salt[:])
	binary.LittleEndian.PutUint64(dst[152:160], u.CreatedAt)
	binary.LittleEndian.PutUint32(dst[160:164], u.Flags)
	clear(dst[164:168])
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (u UserRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, UserRecordSize)
	if err := u.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (u *UserRecord) UnmarshalBinary(src []byte) error {
	if len(src) < UserRecordSize {
		return fmt.Errorf("decode user record: %w: have %d, need %d", ErrShortBuffer, len(src), UserRecordSize)
	}
	u.UserID = binary.LittleEndian.Uint64(src[0:8])
	copy(u.Username[:], src[8:40])
	copy(u.Email[:], src[40:104])
	copy(u.PasswordHash[:], src[104:136])
	copy(u.Salt[:], src[136:152])
	u.CreatedAt = binary.LittleEndian.Uint64(src[152:160])
	u.Flags = binary.LittleEndian.Uint32(src[160:164])
	return nil
}

// DecodeUserRecord decodes the first UserRecordSize bytes of src.
func DecodeUserRecord(src []byte) (UserRecord, error) {
	var u UserRecord
	err := u.UnmarshalBinary(src)
	return u, err
}

// LogRecord is the fixed-size entry stored in history.bin. Its position in the
// file is its sequence number.
type LogRecord struct {
	Magic       uint16
	Version     uint16
	UserID      uint64
	Timestamp   uint64
	RequestID   [RequestIDSize]byte
	Action      ActionKind
	SymbolID    uint32
	Quantity    int64
	AmountMoney int64
}

// NewLogRecord returns a record stamped with the current magic and version.
func NewLogRecord(userID uint64, timestamp uint64, action ActionKind, symbolID uint32, quantity, amount int64) LogRecord {
	return LogRecord{
		Magic:       LogMagic,
		Version:     LogVersion,
		UserID:      userID,
		Timestamp:   timestamp,
		Action:      action,
		SymbolID:    symbolID,
		Quantity:    quantity,
		AmountMoney: amount,
	}
}

// Encode writes the record into dst, which must hold at least LogRecordSize bytes.
func (r *LogRecord) Encode(dst []byte) error {
	if len(dst) < LogRecordSize {
		return fmt.Errorf("encode log record: %w: have %d, need %d", ErrShortBuffer, len(dst), LogRecordSize)
	}
	dst = dst[:LogRecordSize]
	binary.LittleEndian.PutUint16(dst[0:2], r.Magic)
	binary.LittleEndian.PutUint16(dst[2:4], r.Version)
	clear(dst[4:8])
	binary.LittleEndian.PutUint64(dst[8:16], r.UserID)
	binary.LittleEndian.PutUint64(dst[16:24], r.Timestamp)
	copy(dst[24:40], r.RequestID[:])
	dst[40] = byte(r.Action)
	clear(dst[41:44])
	binary.LittleEndian.PutUint32(dst[44:48], r.SymbolID)
	binary.LittleEndian.PutUint64(dst[48:56], uint64(r.Quantity))
	binary.LittleEndian.PutUint64(dst[56:64], uint64(r.AmountMoney))
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r LogRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LogRecordSize)
	if err := r.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *LogRecord) UnmarshalBinary(src []byte) error {
	if len(src) < LogRecordSize {
		return fmt.Errorf("decode log record: %w: have %d, need %d", ErrShortBuffer, len(src), LogRecordSize)
	}
	r.Magic = binary.LittleEndian.Uint16(src[0:2])
	r.Version = binary.LittleEndian.Uint16(src[2:4])
	r.UserID = binary.LittleEndian.Uint64(src[8:16])
	r.Timestamp = binary.LittleEndian.Uint64(src[16:24])
	copy(r.RequestID[:], src[24:40])
	r.Action = ActionKind(src[40])
	r.SymbolID = binary.LittleEndian.Uint32(src[44:48])
	r.Quantity = int64(binary.LittleEndian.Uint64(src[48:56]))
	r.AmountMoney = int64(binary.LittleEndian.Uint64(src[56:64]))
	return nil
}

// DecodeLogRecord decodes the first LogRecordSize bytes of src.
func DecodeLogRecord(src []byte) (LogRecord, error) {
	var r LogRecord
	err := r.UnmarshalBinary(src)
	return r, err
}

// SnapshotHeader precedes the stock rows of one portfolio in snapshot.bin.
type SnapshotHeader struct {
	UserID     uint64
	Cash       int64
	StockCount uint32
}

func (h *SnapshotHeader) Encode(dst []byte) error {
	if len(dst) < SnapshotHeaderSize {
		return fmt.Errorf("encode snapshot header: %w: have %d, need %d", ErrShortBuffer, len(dst), SnapshotHeaderSize)
	}
	binary.LittleEndian.PutUint64(dst[0:8], h.UserID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.Cash))
	binary.LittleEndian.PutUint32(dst[16:20], h.StockCount)
	clear(dst[20:24])
	return nil
}

func (h *SnapshotHeader) UnmarshalBinary(src []byte) error {
	if len(src) < SnapshotHeaderSize {
		return fmt.Errorf("decode snapshot header: %w: have %d, need %d", ErrShortBuffer, len(src), SnapshotHeaderSize)
	}
	h.UserID = binary.LittleEndian.Uint64(src[0:8])
	h.Cash = int64(binary.LittleEndian.Uint64(src[8:16]))
	h.StockCount = binary.LittleEndian.Uint32(src[16:20])
	return nil
}

// SnapshotStock is one (symbol, quantity) row following a SnapshotHeader.
type SnapshotStock struct {
	SymbolID uint32
	Quantity int64
}

func (s *SnapshotStock) Encode(dst []byte) error {
	if len(dst) < SnapshotStockSize {
		return fmt.Errorf("encode snapshot stock: %w: have %d, need %d", ErrShortBuffer, len(dst), SnapshotStockSize)
	}
	binary.LittleEndian.PutUint32(dst[0:4], s.SymbolID)
	clear(dst[4:8])
	binary.LittleEndian.PutUint64(dst[8:16], uint64(s.Quantity))
	return nil
}

func (s *SnapshotStock) UnmarshalBinary(src []byte) error {
	if len(src) < SnapshotStockSize {
		return fmt.Errorf("decode snapshot stock: %w: have %d, need %d", ErrShortBuffer, len(src), SnapshotStockSize)
	}
	s.SymbolID = binary.LittleEndian.Uint32(src[0:4])
	s.Quantity = int64(binary.LittleEndian.Uint64(src[8:16]))
	return nil
}

// PutFixedString copies s into dst, truncating at len(dst) and zero-filling the rest.
// A multi-byte UTF-8 sequence may be cut at the boundary.
func PutFixedString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

// TrimFixedString returns the contents of a zero-padded fixed-width field.
func TrimFixedString(src []byte) string {
	return string(bytes.Trim(src, "\x00"))
}
