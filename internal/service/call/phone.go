package call

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// ErrInvalidPhone is returned for numbers that cannot be dialed.
var ErrInvalidPhone = fmt.Errorf("%w: invalid phone number", apperrors.ErrValidation)

// NormalizePhone parses raw in the given default region and returns it in E.164.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}
	if region == "" {
		region = "US"
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", errors.Join(ErrInvalidPhone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
