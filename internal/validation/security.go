// Package validation provides the checks applied to commands, arguments and
// URLs before devloop hands them to another program.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// shellMeta are characters that only make sense to a shell. Commands are
// executed directly, so their presence means something is wrong.
var shellMeta = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}

// ValidateArgument validates a command line argument to prevent injection attacks
func ValidateArgument(arg string) error {
	for _, char := range shellMeta {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %q", char)
		}
	}

	// Reject parent directory segments, not names that merely contain dots
	for _, seg := range strings.Split(filepath.ToSlash(arg), "/") {
		if seg == ".." {
			return fmt.Errorf("contains path traversal: %s", arg)
		}
	}

	return nil
}

// ValidateCommand validates a command name against an allowlist. Only the
// base name is compared, so /usr/local/bin/elm is allowed when elm is.
func ValidateCommand(command string, allowedCommands map[string]bool) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command cannot be empty")
	}

	base := filepath.Base(command)
	if !allowedCommands[base] {
		return fmt.Errorf("command '%s' is not allowed", base)
	}

	if err := ValidateArgument(command); err != nil {
		return fmt.Errorf("invalid command '%s': %w", command, err)
	}

	return nil
}
