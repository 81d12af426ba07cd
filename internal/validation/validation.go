package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxInstructionBytes bounds a single instruction
const MaxInstructionBytes = 32 << 10

// maxSessionIDLen bounds client-chosen session ids
const maxSessionIDLen = 128

// sessionIDRegex matches ids we generate (UUIDs) and ids clients may pick
// for MCP runs: letters, digits and _ . : -
var sessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateSessionID checks an id taken from a URL path or tool argument
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("session ID too long: %d characters (max %d)", len(id), maxSessionIDLen)
	}
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID: %q", id)
	}
	return nil
}

// ValidateInstruction trims an instruction and checks that the agent can
// be given it. It returns the trimmed text.
func ValidateInstruction(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("instruction cannot be empty")
	}
	if len(s) > MaxInstructionBytes {
		return "", fmt.Errorf("instruction too long: %d bytes (max %d)", len(s), MaxInstructionBytes)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("instruction is not valid UTF-8")
	}
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("instruction contains a NUL byte")
	}
	return s, nil
}
