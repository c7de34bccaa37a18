// Package codec encodes and decodes the merchant reference fields (ref1/ref2)
// that SCB embeds in a PromptPay QR and echoes back verbatim in the payment
// callback.
package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const ref1MaxLen = 20

// ref2 is "<order code>P<payment local id>". The order code itself may contain
// a literal 'P'; the regexp is greedy so the last 'P' followed by digits wins.
// A code ending in 'P' directly followed by digits is a known ambiguity.
var ref2Pattern = regexp.MustCompile(`^([^/]+)P([0-9]+)$`)

// EncodeRef1 derives ref1 from the configured prefix and the event identifier:
// upper-case, strip everything outside [A-Z0-9], cap at 20 characters. Total;
// an empty result is valid.
func EncodeRef1(prefix, eventID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range strings.ToUpper(eventID) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > ref1MaxLen {
		s = s[:ref1MaxLen]
	}
	return s
}

// EncodeRef2 joins the order code and the payment's per-order sequence number.
func EncodeRef2(orderCode string, localID int64) string {
	return fmt.Sprintf("%sP%d", orderCode, localID)
}

// DecodeRef2 splits a ref2 back into order code and payment local id.
func DecodeRef2(ref2 string) (orderCode string, localID int64, err error) {
	m := ref2Pattern.FindStringSubmatch(ref2)
	if m == nil {
		return "", 0, fmt.Errorf("ref2 %q does not match expected pattern", ref2)
	}
	localID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("ref2 %q: local id out of range: %w", ref2, err)
	}
	return m[1], localID, nil
}
