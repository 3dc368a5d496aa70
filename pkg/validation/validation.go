package validation

import (
	"fmt"
	"net/url"
	"regexp"
)

const maxIdentifierLength = 100

var (
	// IdentifierRegex matches stream and account identifiers. "/" and ":" are
	// excluded because identifiers are embedded in storage keys.
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ReferenceRegex matches external deposit references.
	ReferenceRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func validateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, _, - allowed)", kind)
	}
	return nil
}

func ValidateStreamID(streamID string) error {
	return validateIdentifier("stream ID", streamID)
}

func ValidateAccountID(accountID string) error {
	return validateIdentifier("account ID", accountID)
}

func ValidateReference(reference string) error {
	if reference == "" {
		return fmt.Errorf("reference is required")
	}
	if len(reference) > 128 {
		return fmt.Errorf("reference is too long (max 128 characters)")
	}
	if !ReferenceRegex.MatchString(reference) {
		return fmt.Errorf("invalid reference format")
	}
	return nil
}

func ValidateFeePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("fee percent must be between 0 and 100")
	}
	return nil
}

// ValidateURL validates endpoint URLs used in configuration
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
