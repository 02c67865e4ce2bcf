package domain

import (
	"fmt"
	"strings"
)

// Symbol is a canonical uppercase trading-pair identifier, e.g. BTCUSDT.
// Room names, broker channels and store keys all derive from it, so it is
// normalized once at the boundary and treated as opaque after that.
type Symbol string

// NormalizeSymbol uppercases and trims raw client or exchange input.
func NormalizeSymbol(raw string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(raw)))
}

// Validate rejects identifiers that cannot name an exchange pair.
func (s Symbol) Validate() error {
	if len(s) < 5 || len(s) > 20 {
		return fmt.Errorf("symbol %q: length must be 5-20 characters", string(s))
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("symbol %q: only uppercase letters and digits allowed", string(s))
		}
	}
	return nil
}

func (s Symbol) String() string { return string(s) }
