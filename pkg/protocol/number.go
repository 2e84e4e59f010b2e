package protocol

import "fmt"

// ValidateNumber checks a destination number against the E.164 shape the
// gateway and device both enforce: an optional leading +, then 7-15 digits.
func ValidateNumber(number string) error {
	digits := number
	if len(digits) > 0 && digits[0] == '+' {
		digits = digits[1:]
	}
	if len(digits) < 7 || len(digits) > 15 {
		return fmt.Errorf("invalid phone number %q: expected 7-15 digits", number)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return fmt.Errorf("invalid phone number %q: non-digit character", number)
		}
	}
	return nil
}
