// Package catalog holds static instrument metadata: asset class, pip size,
// price precision, and a synthetic volatility baseline per pair. The catalog
// is immutable after construction.
package catalog

import "strings"

// AssetClass values mirror types.AssetClass; kept as strings here so the
// catalog has no dependency on the domain package.
const (
	ClassForex  = "forex"
	ClassMetals = "metals"
	ClassCrypto = "crypto"
	ClassCFD    = "cfd"
	ClassOther  = "other"
)

// PairInfo is the immutable metadata record for one instrument.
type PairInfo struct {
	Pair                string  `json:"pair"`
	Base                string  `json:"base"`
	Quote               string  `json:"quote"`
	AssetClass          string  `json:"assetClass"`
	PipSize             float64 `json:"pipSize"`
	PricePrecision      int     `json:"pricePrecision"`
	SyntheticVolatility float64 `json:"syntheticVolatility"`
}

// Catalog resolves pairs to metadata. Unknown pairs are classified
// heuristically and receive conservative defaults.
type Catalog struct {
	pairs map[string]PairInfo
}

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SGD": true, "SEK": true,
	"NOK": true, "DKK": true, "MXN": true, "ZAR": true, "PLN": true,
	"HKD": true, "TRY": true, "CNH": true,
}

var cryptoCodes = map[string]bool{
	"BTC": true, "ETH": true, "XRP": true, "LTC": true, "SOL": true,
	"ADA": true, "DOT": true, "DOGE": true, "BNB": true,
}

// New builds the catalog with the built-in instrument table.
func New() *Catalog {
	c := &Catalog{pairs: make(map[string]PairInfo)}
	add := func(p PairInfo) { c.pairs[p.Pair] = p }

	fx := func(base, quote string, vol float64) {
		pip, prec := 0.0001, 5
		if quote == "JPY" {
			pip, prec = 0.01, 3
		}
		add(PairInfo{Pair: base + quote, Base: base, Quote: quote, AssetClass: ClassForex,
			PipSize: pip, PricePrecision: prec, SyntheticVolatility: vol})
	}

	// Majors.
	fx("EUR", "USD", 0.55)
	fx("GBP", "USD", 0.70)
	fx("USD", "JPY", 0.50)
	fx("USD", "CHF", 0.45)
	fx("AUD", "USD", 0.60)
	fx("NZD", "USD", 0.60)
	fx("USD", "CAD", 0.50)
	// Yen crosses and minors.
	fx("EUR", "JPY", 0.65)
	fx("GBP", "JPY", 0.90)
	fx("AUD", "JPY", 0.70)
	fx("CHF", "JPY", 0.60)
	fx("EUR", "GBP", 0.40)
	fx("EUR", "CHF", 0.35)
	fx("EUR", "AUD", 0.65)
	fx("GBP", "AUD", 0.80)
	fx("AUD", "NZD", 0.40)
	fx("USD", "SGD", 0.35)
	fx("USD", "MXN", 1.10)
	fx("USD", "ZAR", 1.30)

	// Metals.
	add(PairInfo{Pair: "XAUUSD", Base: "XAU", Quote: "USD", AssetClass: ClassMetals,
		PipSize: 0.1, PricePrecision: 2, SyntheticVolatility: 0.90})
	add(PairInfo{Pair: "XAGUSD", Base: "XAG", Quote: "USD", AssetClass: ClassMetals,
		PipSize: 0.01, PricePrecision: 3, SyntheticVolatility: 1.40})
	add(PairInfo{Pair: "XPTUSD", Base: "XPT", Quote: "USD", AssetClass: ClassMetals,
		PipSize: 0.1, PricePrecision: 2, SyntheticVolatility: 1.20})

	// Crypto.
	add(PairInfo{Pair: "BTCUSD", Base: "BTC", Quote: "USD", AssetClass: ClassCrypto,
		PipSize: 1.0, PricePrecision: 2, SyntheticVolatility: 2.20})
	add(PairInfo{Pair: "ETHUSD", Base: "ETH", Quote: "USD", AssetClass: ClassCrypto,
		PipSize: 0.1, PricePrecision: 2, SyntheticVolatility: 2.60})
	add(PairInfo{Pair: "SOLUSD", Base: "SOL", Quote: "USD", AssetClass: ClassCrypto,
		PipSize: 0.01, PricePrecision: 3, SyntheticVolatility: 3.40})
	add(PairInfo{Pair: "XRPUSD", Base: "XRP", Quote: "USD", AssetClass: ClassCrypto,
		PipSize: 0.0001, PricePrecision: 5, SyntheticVolatility: 3.00})

	// Index CFDs commonly exposed by MT brokers.
	cfd := func(pair string, pip float64, prec int, vol float64) {
		add(PairInfo{Pair: pair, Base: pair, Quote: "USD", AssetClass: ClassCFD,
			PipSize: pip, PricePrecision: prec, SyntheticVolatility: vol})
	}
	cfd("US30", 1.0, 1, 0.80)
	cfd("NAS100", 1.0, 1, 1.10)
	cfd("SPX500", 0.1, 1, 0.75)
	cfd("GER40", 1.0, 1, 0.85)
	cfd("UK100", 1.0, 1, 0.70)

	return c
}

// Lookup returns the catalog record for pair. Unknown pairs get a
// heuristically classified record and ok=false.
func (c *Catalog) Lookup(pair string) (PairInfo, bool) {
	key := Normalize(pair)
	if info, ok := c.pairs[key]; ok {
		return info, true
	}
	return c.classify(key), false
}

// PipSize returns the pip size for pair, falling back to the heuristic
// classification for unknown instruments.
func (c *Catalog) PipSize(pair string) float64 {
	info, _ := c.Lookup(pair)
	return info.PipSize
}

// AssetClassOf returns the asset class string for pair.
func (c *Catalog) AssetClassOf(pair string) string {
	info, _ := c.Lookup(pair)
	return info.AssetClass
}

// Pairs returns all known pair symbols.
func (c *Catalog) Pairs() []string {
	out := make([]string, 0, len(c.pairs))
	for p := range c.pairs {
		out = append(out, p)
	}
	return out
}

// Normalize strips common broker suffixes and uppercases the symbol so
// "eurusd.pro" and "EURUSD" resolve to the same record.
func Normalize(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	for _, sep := range []string{".", "#", "_"} {
		if i := strings.Index(p, sep); i >= 3 {
			p = p[:i]
		}
	}
	return p
}

// classify derives conservative metadata for a symbol not in the table.
func (c *Catalog) classify(pair string) PairInfo {
	info := PairInfo{Pair: pair, AssetClass: ClassOther, PipSize: 0.0001,
		PricePrecision: 5, SyntheticVolatility: 1.0}

	if len(pair) >= 6 {
		base, quote := pair[:3], pair[3:]
		switch {
		case strings.HasPrefix(pair, "XAU") || strings.HasPrefix(pair, "XAG") || strings.HasPrefix(pair, "XPT") || strings.HasPrefix(pair, "XPD"):
			info.AssetClass = ClassMetals
			info.Base, info.Quote = base, quote
			info.PipSize, info.PricePrecision = 0.1, 2
			info.SyntheticVolatility = 1.0
		case cryptoCodes[base]:
			info.AssetClass = ClassCrypto
			info.Base, info.Quote = base, quote
			info.PipSize, info.PricePrecision = 0.01, 3
			info.SyntheticVolatility = 2.5
		case currencyCodes[base] && currencyCodes[quote]:
			info.AssetClass = ClassForex
			info.Base, info.Quote = base, quote
			if quote == "JPY" {
				info.PipSize, info.PricePrecision = 0.01, 3
			}
			info.SyntheticVolatility = 0.7
		}
	}
	if info.AssetClass == ClassOther && looksLikeIndex(pair) {
		info.AssetClass = ClassCFD
		info.PipSize, info.PricePrecision = 1.0, 1
		info.SyntheticVolatility = 0.9
	}
	return info
}

func looksLikeIndex(pair string) bool {
	hasDigit := false
	for _, r := range pair {
		if r >= '0' && r <= '9' {
			hasDigit = true
		}
	}
	return hasDigit && len(pair) <= 7
}

// Currencies splits a pair into its two currency legs; CFDs and unknowns
// return the pair itself as base with USD quote.
func Currencies(info PairInfo) (string, string) {
	if info.Base != "" && info.Quote != "" {
		return info.Base, info.Quote
	}
	return info.Pair, "USD"
}

// SharesCurrency reports whether two pairs have a common currency leg.
func SharesCurrency(a, b PairInfo) bool {
	ab, aq := Currencies(a)
	bb, bq := Currencies(b)
	return ab == bb || ab == bq || aq == bb || aq == bq
}
