package mpesa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// PhoneRule canonicalizes subscriber numbers for one country.
type PhoneRule struct {
	countryCode string
	pattern     *regexp.Regexp
}

// KenyaPhones accepts Safaricom-style 07xx and 01xx subscriber numbers.
var KenyaPhones = NewPhoneRule("254", "17")

// NewPhoneRule builds a rule for countryCode where the first subscriber digit
// must be one of mobilePrefixes.
func NewPhoneRule(countryCode, mobilePrefixes string) *PhoneRule {
	return &PhoneRule{
		countryCode: countryCode,
		pattern:     regexp.MustCompile(fmt.Sprintf(`^%s[%s]\d{8}$`, regexp.QuoteMeta(countryCode), mobilePrefixes)),
	}
}

// Canonicalize turns raw into the country-code-prefixed digit form the
// provider expects: "0712345678" and "+254712345678" become "254712345678".
func (r *PhoneRule) Canonicalize(raw string) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	s = digitsOnly(s)

	switch {
	case strings.HasPrefix(s, "0"):
		s = r.countryCode + s[1:]
	case !strings.HasPrefix(s, r.countryCode):
		s = r.countryCode + s
	}

	if !r.pattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPhone, raw)
	}
	return s, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
