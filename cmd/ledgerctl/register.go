package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/INLOpen/nexusledger/engine"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordPrompt prompts on the terminal without echo. Piped stdin is read
// a line at a time.
func passwordPrompt(cmd *cobra.Command) func(prompt string) (string, error) {
	var lines *bufio.Reader
	return func(prompt string) (string, error) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			return string(b), err
		}
		if lines == nil {
			lines = bufio.NewReader(cmd.InOrStdin())
		}
		line, err := lines.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func newRegisterCmd(g *globals) *cobra.Command {
	var email string
	c := &cobra.Command{
		Use:   "register <username>",
		Short: "Register a user in a stopped ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			prompt := passwordPrompt(cmd)
			password, err := prompt("Password: ")
			if err != nil {
				return err
			}
			confirm, err := prompt("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			eng, err := engine.Open(cmd.Context(), engine.Options{
				DataDir:          g.cfg.Engine.DataDir,
				SnapshotInterval: -1,
				Logger:           g.logger,
			})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, eng.Close()) }()

			id, err := eng.RegisterUser(cmd.Context(), args[0], email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s with id %d\n", args[0], id)
			return nil
		},
	}
	c.Flags().StringVar(&email, "email", "", "email address stored with the user")
	return c
}
