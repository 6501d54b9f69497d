// Package broker holds the symbol-canonicalization helpers shared by every
// broker adapter, plus the paper and live implementations in its
// subpackages.
package broker

import "strings"

// ToExchangeSymbol translates a canonical core.Symbol ("BTC/USDT") into the
// spelling a given exchange expects. Unrecognized exchange names fall back
// to the compact no-separator form most spot venues use.
func ToExchangeSymbol(exchange, canonical string) string {
	base, quote, ok := splitPair(canonical)
	if !ok {
		return canonical
	}
	switch strings.ToLower(exchange) {
	case "binance", "binance_spot", "bybit", "okx_compact":
		return base + quote
	case "bitget", "gate", "okx":
		return base + "-" + quote
	case "underscore":
		return base + "_" + quote
	default:
		return base + quote
	}
}

// FromExchangeSymbol translates an exchange-spelled symbol back to the
// canonical "BASE/QUOTE" form, given the known quote asset suffix list to
// disambiguate the no-separator spellings.
func FromExchangeSymbol(raw string) string {
	if base, quote, ok := splitPair(raw); ok {
		return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
	}
	upper := strings.ToUpper(raw)
	for _, quote := range commonQuoteAssets {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "/" + quote
		}
	}
	return upper
}

var commonQuoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "EUR", "USD"}

// splitPair recognizes "BASE/QUOTE", "BASE-QUOTE" and "BASE_QUOTE" spellings.
func splitPair(s string) (base, quote string, ok bool) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			return strings.ToUpper(s[:i]), strings.ToUpper(s[i+len(sep):]), true
		}
	}
	return "", "", false
}

// Canonical uppercases and normalizes any recognized separator to "/".
func Canonical(raw string) string {
	if base, quote, ok := splitPair(raw); ok {
		return base + "/" + quote
	}
	return FromExchangeSymbol(raw)
}
