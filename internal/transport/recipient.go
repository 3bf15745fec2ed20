package transport

import (
	"fmt"
	"strings"

	"botrelay/internal/domain"
)

// NormalizeRecipient converts an operator-supplied recipient into the address
// format of the given network. Invalid recipients are reported as rejections.
func NormalizeRecipient(kind domain.TransportKind, raw string) (string, error) {
	r := strings.TrimSpace(raw)
	if r == "" {
		return "", Rejected(fmt.Errorf("empty recipient"))
	}
	switch kind {
	case domain.KindWhatsApp:
		d := digits(r)
		if d == "" {
			return "", Rejected(fmt.Errorf("recipient %q has no phone digits", raw))
		}
		// Domestic trunk prefix 8 is rewritten to country code 7.
		if strings.HasPrefix(d, "8") && len(d) == 11 {
			d = "7" + d[1:]
		}
		return d + "@c.us", nil
	case domain.KindTelegramUser:
		if strings.HasPrefix(r, "@") {
			return r, nil
		}
		if d := digits(r); d != "" && len(d) >= 7 {
			return "+" + d, nil
		}
		return "@" + r, nil
	case domain.KindTelegramBot:
		if strings.HasPrefix(r, "@") || isChatID(r) {
			return r, nil
		}
		return "@" + r, nil
	default:
		return r, nil
	}
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func isChatID(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
