// Command ledgerctl runs offline maintenance against a ledger data directory.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/INLOpen/nexusledger/config"
	"github.com/spf13/cobra"
)

// globals shared by every subcommand.
type globals struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// load reads the config file when one is given and applies flag overrides.
func (g *globals) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(g.configPath); err != nil {
			return err
		}
	}
	if g.dataDir != "" {
		cfg.Engine.DataDir = g.dataDir
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(g.logLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", g.logLevel)
	}
	g.cfg = cfg
	g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	g := &globals{}
	c := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Offline maintenance for nexusledger data directories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	c.SetOut(out)
	c.SetErr(errOut)
	c.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the server configuration file")
	c.PersistentFlags().StringVarP(&g.dataDir, "data-dir", "d", "", "data directory (overrides engine.data_dir)")
	c.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	c.AddCommand(newVerifyCmd(g))
	c.AddCommand(newBackupCmd(g))
	c.AddCommand(newRestoreCmd(g))
	c.AddCommand(newRegisterCmd(g))
	return c
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}
