package symbols

import "strings"

// Canonical converts exchange-specific symbol spellings to the canonical
// format: uppercase, no separators, BTC instead of XBT. "BTC-USD", "XBT/USD",
// "PI_XBTUSD" and "BTCUSD" all denote the same canonical pair.
// Currently supported exchanges: bybit, binance, coinbase, kraken.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.TrimPrefix(sym, "PI_")
		sym = strings.TrimPrefix(sym, "PF_")
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	default:
		// others already use the desired format
	}
	return sym
}

// ToCoinbase converts a canonical symbol to Coinbase's dashed product id,
// e.g. BTCUSD -> BTC-USD. The quote currency is matched against known quotes
// from longest to shortest.
func ToCoinbase(sym string) string {
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "GBP", "BTC"} {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return sym[:len(sym)-len(quote)] + "-" + quote
		}
	}
	return sym
}

// ToKraken converts a canonical symbol to Kraken's futures product id,
// e.g. BTCUSD -> PI_XBTUSD.
func ToKraken(sym string) string {
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	return "PI_" + sym
}
