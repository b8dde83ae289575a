package validate

import (
	"context"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses local ("098765 43210", "9876543210") and international
// ("+91 98765-43210", "0091 9876543210") forms and returns the E.164 form.
// Only mobile ranges are accepted. region is the ISO country assumed for
// numbers written without a country code.
func NormalizePhone(raw, region string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(s, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	switch phonenumbers.GetNumberType(num) {
	case phonenumbers.MOBILE, phonenumbers.FIXED_LINE_OR_MOBILE:
	default:
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// Phone validates a mobile number and normalizes it to E.164. A non-nil uniq
// rejects numbers that already belong to another identity.
func Phone(region string, uniq Uniqueness) Validator {
	return func(ctx context.Context, raw, identity string) (string, error) {
		phone, ok := NormalizePhone(raw, region)
		if !ok {
			return "", Reject("Please send a valid mobile number, for example +91 98765 43210.")
		}
		if uniq != nil {
			taken, err := uniq.PhoneTaken(ctx, phone, identity)
			if err != nil {
				return "", err
			}
			if taken {
				return "", RejectDuplicate("That number is already registered.")
			}
		}
		return phone, nil
	}
}
