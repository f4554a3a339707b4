package cli

import (
	"errors"
	"regexp"
	"strings"
)

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// ValidateStockCode checks that a stock code is a six digit A-share symbol.
// Exchange prefixes are not enforced here; the broker rejects unknown symbols.
func ValidateStockCode(code string) error {
	if !stockCodePattern.MatchString(code) {
		return errors.New("invalid stock code: must be 6 digits")
	}
	return nil
}

// ValidateInput checks for potentially malicious input patterns
// in free-form operator input (e.g. stop reasons from the dashboard)
func ValidateInput(input string) error {
	// Check for command injection patterns
	if strings.Contains(input, ";") || strings.Contains(input, "&&") || strings.Contains(input, "||") {
		return errors.New("potentially malicious input detected")
	}

	// Check for path traversal
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return errors.New("potentially malicious input detected")
	}

	// Check for SQL injection patterns (more specific)
	sqlPattern := regexp.MustCompile(`['"]\s*;\s*|\b(DROP|DELETE|UPDATE|INSERT)\b`)
	if sqlPattern.MatchString(strings.ToUpper(input)) {
		return errors.New("potentially malicious input detected")
	}

	return nil
}
