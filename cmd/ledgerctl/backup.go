package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/INLOpen/nexusledger/server"
	"github.com/spf13/cobra"
)

// objectStore opens the configured backup store or fails when none is set.
func objectStore(ctx context.Context, g *globals) (backup.ObjectStore, error) {
	store, err := server.NewBackupStore(ctx, g.cfg.Backup, g.logger)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no backup store configured (set backup.dir or backup.s3.bucket)")
	}
	return store, nil
}

// writeFile writes an archive next to path and renames it into place.
func writeFile(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newBackupCmd(g *globals) *cobra.Command {
	var (
		outPath     string
		key         string
		compression string
	)
	c := &cobra.Command{
		Use:   "backup",
		Short: "Archive a stopped ledger to a file or the configured backup store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (outPath == "") == (key == "") {
				return errors.New("exactly one of --out or --key is required")
			}
			name := compression
			if name == "" {
				name = g.cfg.Backup.Compression
			}
			ct, err := core.ParseCompressionType(name)
			if err != nil {
				return err
			}

			var manifest backup.Manifest
			write := func(w io.Writer) error {
				var err error
				manifest, err = engine.BackupDir(g.cfg.Engine.DataDir, w, ct, g.logger)
				return err
			}
			dest := outPath
			if outPath != "" {
				err = writeFile(outPath, write)
			} else {
				var store backup.ObjectStore
				if store, err = objectStore(cmd.Context(), g); err == nil {
					_, err = backup.Upload(cmd.Context(), store, key, write)
				}
				dest = key
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d files, %s, %s\n",
				dest, len(manifest.Entries), bytefmt.ByteSize(uint64(manifest.TotalSize())), ct)
			return nil
		},
	}
	c.Flags().StringVarP(&outPath, "out", "o", "", "archive file to write")
	c.Flags().StringVarP(&key, "key", "k", "", "object key in the configured backup store")
	c.Flags().StringVar(&compression, "compression", "", "none, snappy, lz4 or zstd (default backup.compression)")
	return c
}

func newRestoreCmd(g *globals) *cobra.Command {
	var (
		inPath string
		key    string
	)
	c := &cobra.Command{
		Use:   "restore",
		Short: "Restore an archive into an empty data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (inPath == "") == (key == "") {
				return errors.New("exactly one of --in or --key is required")
			}
			var src io.ReadCloser
			var err error
			if inPath != "" {
				src, err = os.Open(inPath)
			} else {
				var store backup.ObjectStore
				if store, err = objectStore(cmd.Context(), g); err == nil {
					src, err = store.Get(cmd.Context(), key)
				}
			}
			if err != nil {
				return err
			}
			defer src.Close()

			if err := os.MkdirAll(g.cfg.Engine.DataDir, 0o755); err != nil {
				return err
			}
			manifest, err := backup.Restore(src, g.cfg.Engine.DataDir, g.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d files (%s) into %s, archived %s\n",
				len(manifest.Entries), bytefmt.ByteSize(uint64(manifest.TotalSize())), g.cfg.Engine.DataDir,
				manifest.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
	c.Flags().StringVarP(&inPath, "in", "i", "", "archive file to read")
	c.Flags().StringVarP(&key, "key", "k", "", "object key in the configured backup store")
	return c
}
