package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/arcward/suggestbot/suggestbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxSecretAttempts = 3

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Hash an API secret, for use as DC_API_SECRET",
	Long: "Prompts for an API secret and prints its argon2id hash. In an env " +
		"file, wrap the hash in single quotes so '$' isn't expanded.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var secret string
		for attempt := 0; ; attempt++ {
			if attempt == maxSecretAttempts {
				return errors.New("secrets did not match")
			}
			fmt.Fprint(out, "Enter API secret: ")
			secretBytes, err := readPassword()
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("error reading secret: %w", err)
			}

			fmt.Fprint(out, "Confirm API secret: ")
			confirmBytes, err := readPassword()
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("error reading secret: %w", err)
			}

			if string(secretBytes) == string(confirmBytes) {
				secret = string(secretBytes)
				break
			}
			fmt.Fprintln(out, "Secrets do not match. Please try again.")
		}

		hashed, err := suggestbot.HashSecret(secret)
		if err != nil {
			return fmt.Errorf("error hashing secret: %w", err)
		}
		fmt.Fprintln(out, hashed)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashSecretCmd)
}
