// Package phone normalizes phone numbers to E.164 so numbers compare
// equal across providers regardless of their native formatting.
package phone

import (
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

const defaultRegion = "US"

// Format parses raw into E.164 ("+15551234567"). Numbers without a country
// code are assumed to be US.
func Format(raw string) (string, error) {
	parsed, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("parse phone number %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// FormatOrOriginal returns the E.164 form, falling back to the raw input
// when it cannot be parsed. Inbound webhooks use this so an oddly formatted
// sender never aborts ingestion.
func FormatOrOriginal(raw string) string {
	formatted, err := Format(raw)
	if err != nil {
		return raw
	}
	return formatted
}
