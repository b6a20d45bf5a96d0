package backup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/INLOpen/nexusledger/compressors"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/sys"
)

// ArchiveVersion is the current archive layout version.
const ArchiveVersion uint16 = 1

// headerSize = magic(4)+version(2)+compression(1)+pad(1)+created_at(8)
const headerSize = 16

// maxNameLen bounds file names stored in an archive.
const maxNameLen = 255

var (
	// ErrBadArchive is returned for input that is not a readable archive.
	ErrBadArchive = errors.New("not a valid backup archive")
	// ErrTargetNotEmpty is returned when a restore would overwrite ledger files.
	ErrTargetNotEmpty = errors.New("restore target already holds ledger files")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileSpec names one file to archive and how many leading bytes to copy.
// The data files only grow, so a prefix taken at a known length is stable.
type FileSpec struct {
	Name string
	Size int64
}

// Entry describes one archived file.
type Entry struct {
	Name   string
	Size   int64
	CRC32C uint32
}

// Manifest describes an archive.
type Manifest struct {
	Compression core.CompressionType
	CreatedAt   time.Time
	Entries     []Entry
}

// TotalSize returns the uncompressed size of every entry.
func (m Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.Size
	}
	return n
}

// Write streams the listed files from dir into w. Each entry is
// name_len(2)+name+size(8)+data+crc32c(4) inside the compressed body, and a
// zero name_len ends the body.
func Write(w io.Writer, dir string, files []FileSpec, ct core.CompressionType, logger *slog.Logger) (Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "BackupWriter")

	comp, err := compressors.ForType(ct)
	if err != nil {
		return Manifest{}, err
	}
	manifest := Manifest{Compression: ct, CreatedAt: time.Now().UTC()}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], core.BackupMagicNumber)
	binary.LittleEndian.PutUint16(hdr[4:6], ArchiveVersion)
	hdr[6] = byte(ct)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(manifest.CreatedAt.Unix()))
	if _, err := w.Write(hdr[:]); err != nil {
		return Manifest{}, fmt.Errorf("failed to write archive header: %w", err)
	}

	cw, err := comp.NewWriter(w)
	if err != nil {
		return Manifest{}, err
	}
	bw := bufio.NewWriter(cw)

	for _, file := range files {
		entry, err := writeEntry(bw, dir, file)
		if err != nil {
			_ = cw.Close()
			return Manifest{}, err
		}
		manifest.Entries = append(manifest.Entries, entry)
		logger.Debug("Archived file", "name", entry.Name, "size", bytefmt.ByteSize(uint64(entry.Size)))
	}

	var end [2]byte
	if _, err := bw.Write(end[:]); err != nil {
		_ = cw.Close()
		return Manifest{}, err
	}
	if err := bw.Flush(); err != nil {
		_ = cw.Close()
		return Manifest{}, err
	}
	if err := cw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	logger.Info("Backup archive written", "files", len(manifest.Entries),
		"size", bytefmt.ByteSize(uint64(manifest.TotalSize())), "compression", ct.String())
	return manifest, nil
}

func writeEntry(w io.Writer, dir string, file FileSpec) (Entry, error) {
	if len(file.Name) == 0 || len(file.Name) > maxNameLen || filepath.Base(file.Name) != file.Name {
		return Entry{}, &core.ValidationError{Field: "name", Value: file.Name, Message: "archive entries must be plain file names"}
	}
	f, err := sys.Open(filepath.Join(dir, file.Name))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open %s for backup: %w", file.Name, err)
	}
	defer f.Close()

	var meta [2 + maxNameLen + 8]byte
	binary.LittleEndian.PutUint16(meta[0:2], uint16(len(file.Name)))
	n := 2 + copy(meta[2:], file.Name)
	binary.LittleEndian.PutUint64(meta[n:n+8], uint64(file.Size))
	if _, err := w.Write(meta[:n+8]); err != nil {
		return Entry{}, err
	}

	crc := crc32.New(castagnoli)
	bufPtr := core.CopyBufferPool.Get()
	defer core.CopyBufferPool.Put(bufPtr)
	copied, err := io.CopyBuffer(io.MultiWriter(w, crc), io.LimitReader(f, file.Size), *bufPtr)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to copy %s: %w", file.Name, err)
	}
	if copied != file.Size {
		return Entry{}, fmt.Errorf("%s is shorter than expected: copied %d of %d bytes", file.Name, copied, file.Size)
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	if _, err := w.Write(sum[:]); err != nil {
		return Entry{}, err
	}
	return Entry{Name: file.Name, Size: file.Size, CRC32C: crc.Sum32()}, nil
}

// Restore extracts an archive into dir. Each file is written to a temp file,
// fsynced and renamed into place. dir must not already hold ledger files.
func Restore(r io.Reader, dir string, logger *slog.Logger) (Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "BackupRestore")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Manifest{}, fmt.Errorf("failed to create restore directory %s: %w", dir, err)
	}
	for _, name := range []string{core.UsersFileName, core.HistoryFileName, core.SnapshotFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return Manifest{}, fmt.Errorf("%w: %s", ErrTargetNotEmpty, filepath.Join(dir, name))
		}
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Manifest{}, fmt.Errorf("%w: short header: %v", ErrBadArchive, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != core.BackupMagicNumber {
		return Manifest{}, fmt.Errorf("%w: bad magic", ErrBadArchive)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != ArchiveVersion {
		return Manifest{}, fmt.Errorf("%w: unsupported version %d", ErrBadArchive, v)
	}
	ct := core.CompressionType(hdr[6])
	comp, err := compressors.ForType(ct)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	manifest := Manifest{
		Compression: ct,
		CreatedAt:   time.Unix(int64(binary.LittleEndian.Uint64(hdr[8:16])), 0).UTC(),
	}

	cr, err := comp.NewReader(r)
	if err != nil {
		return Manifest{}, err
	}
	defer cr.Close()
	br := bufio.NewReader(cr)

	for {
		entry, done, err := restoreEntry(br, dir)
		if err != nil {
			return Manifest{}, err
		}
		if done {
			break
		}
		manifest.Entries = append(manifest.Entries, entry)
		logger.Debug("Restored file", "name", entry.Name, "size", bytefmt.ByteSize(uint64(entry.Size)))
	}
	if err := sys.SyncDir(dir); err != nil {
		logger.Warn("Failed to sync restore directory", "dir", dir, "error", err)
	}
	logger.Info("Backup restored", "dir", dir, "files", len(manifest.Entries), "size", bytefmt.ByteSize(uint64(manifest.TotalSize())))
	return manifest, nil
}

var restorableNames = []string{core.UsersFileName, core.HistoryFileName, core.SnapshotFileName}

func restoreEntry(r io.Reader, dir string) (_ Entry, done bool, err error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Entry{}, false, fmt.Errorf("%w: truncated entry header: %v", ErrBadArchive, err)
	}
	nameLen := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if nameLen == 0 {
		return Entry{}, true, nil
	}
	if nameLen > maxNameLen {
		return Entry{}, false, fmt.Errorf("%w: name length %d", ErrBadArchive, nameLen)
	}
	meta := make([]byte, nameLen+8)
	if _, err := io.ReadFull(r, meta); err != nil {
		return Entry{}, false, fmt.Errorf("%w: truncated entry header: %v", ErrBadArchive, err)
	}
	name := string(meta[:nameLen])
	size := int64(binary.LittleEndian.Uint64(meta[nameLen:]))
	if !slices.Contains(restorableNames, name) {
		return Entry{}, false, fmt.Errorf("%w: unexpected entry %q", ErrBadArchive, name)
	}

	tmp, err := sys.CreateTemp(dir, name+".restore-*")
	if err != nil {
		return Entry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = sys.Remove(tmp.Name())
		}
	}()

	crc := crc32.New(castagnoli)
	bufPtr := core.CopyBufferPool.Get()
	defer core.CopyBufferPool.Put(bufPtr)
	copied, err := io.CopyBuffer(io.MultiWriter(tmp, crc), io.LimitReader(r, size), *bufPtr)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to restore %s: %w", name, err)
	}
	if copied != size {
		return Entry{}, false, fmt.Errorf("%w: %s truncated at %d of %d bytes", ErrBadArchive, name, copied, size)
	}
	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return Entry{}, false, fmt.Errorf("%w: missing checksum for %s", ErrBadArchive, name)
	}
	if want := binary.LittleEndian.Uint32(sum[:]); want != crc.Sum32() {
		return Entry{}, false, fmt.Errorf("%w: checksum mismatch for %s", ErrBadArchive, name)
	}

	if err := tmp.Sync(); err != nil {
		return Entry{}, false, err
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, false, err
	}
	if err := sys.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return Entry{}, false, err
	}
	return Entry{Name: name, Size: size, CRC32C: crc.Sum32()}, false, nil
}

// DirFiles lists the ledger files present in dir with their current sizes,
// rounded down to whole records. The caller must keep writers away from dir.
func DirFiles(dir string) ([]FileSpec, error) {
	var specs []FileSpec
	for _, f := range []struct {
		name   string
		record int64
	}{
		{core.UsersFileName, core.UserRecordSize},
		{core.HistoryFileName, core.LogRecordSize},
		{core.SnapshotFileName, 1},
	} {
		info, err := os.Stat(filepath.Join(dir, f.name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		specs = append(specs, FileSpec{Name: f.name, Size: info.Size() / f.record * f.record})
	}
	return specs, nil
}
