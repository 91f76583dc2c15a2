package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string like time.ParseDuration, with an
// additional "d" suffix for days ("14d" = 14 * 24h).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration '%s': %v", s, err)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration '%s': %v", s, err)
	}
	return d, nil
}
