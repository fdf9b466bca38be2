package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moltbunker/uplink/internal/config"
	"github.com/moltbunker/uplink/internal/relay"
)

func newHashPasswordCmd() *cobra.Command {
	var login string

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Create a bcrypt hash for a relay account",
		Long: `Read a password from the terminal (or stdin) and print its bcrypt hash.

With --login the account is also added to relay.accounts of the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := relay.HashPassword(password)
			if err != nil {
				return err
			}
			if login == "" {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			}
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if err := addAccount(path, login, hash); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %q saved to %s\n", login, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&login, "login", "", "Store the hash for this account in the config file")

	return cmd
}

// readPassword prompts without echo on a terminal, otherwise reads one line
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func addAccount(path, login, hash string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Relay.Accounts == nil {
		cfg.Relay.Accounts = make(map[string]string)
	}
	cfg.Relay.Accounts[login] = hash
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save(path)
}
