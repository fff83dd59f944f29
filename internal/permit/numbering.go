package permit

import (
	"fmt"
	"strings"
)

// FormatNumero renders the human-readable permit number for the seq-th
// permit of site, e.g. ALPHA-0001.
func FormatNumero(site string, seq int) string {
	return fmt.Sprintf("%s-%04d", NormalizeSite(site), seq)
}

// NormalizeSite returns the canonical (upper case) form of a site code.
func NormalizeSite(site string) string {
	return strings.ToUpper(strings.TrimSpace(site))
}
