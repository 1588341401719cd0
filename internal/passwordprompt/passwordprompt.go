// Package passwordprompt reads the tunnel password interactively when
// it was not supplied on the command line (spec §6: "-P PASSWORD").
package passwordprompt

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// MaxLen is the longest password the dispatcher's login authenticator
// will ever hash against, matching spec §6's "-P PASSWORD (truncated
// to 32 chars)".
const MaxLen = 32

// Read prompts on stderr and reads a password from the controlling
// terminal without echoing it, truncating to MaxLen.
func Read() (string, error) {
	fmt.Fprint(os.Stderr, "Enter tunnel password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("passwordprompt: read: %w", err)
	}
	if len(b) > MaxLen {
		b = b[:MaxLen]
	}
	return string(b), nil
}

// Truncate applies the same MaxLen rule to a password supplied via
// -P, matching the reference implementation's strncpy into a
// fixed-size buffer.
func Truncate(password string) string {
	if len(password) > MaxLen {
		return password[:MaxLen]
	}
	return password
}
