package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/embedthis/webengine/pkg/hashutil"
)

func newHashPasswordCmd() *cobra.Command {
	var username, realm, algorithm string

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print an algorithm-tagged password hash suitable for web.auth.users",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			password, err := readPassword()
			if err != nil {
				return err
			}
			hash, err := hashutil.Default{}.Hash(algorithm, username, realm, password)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account name the hash is bound to")
	cmd.Flags().StringVar(&realm, "realm", "", "authentication realm (must match web.auth.realm)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "MD5", "MD5|SHA256|BF1")

	return cmd
}

// readPassword reads a password from stdin, using a non-echoing terminal
// read when stdin is a TTY and falling back to a plain line read otherwise
// (e.g. piped input in scripts).
func readPassword() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
