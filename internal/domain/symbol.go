package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

const symbolSeparators = "/-_:"

// Symbol is a venue market normalised around the currency being accumulated.
type Symbol struct {
	Name    string `json:"name"`
	Spend   string `json:"spend"`
	Receive string `json:"receive"`
}

// SymbolBalance pairs a symbol with the available balance of its spend currency.
type SymbolBalance struct {
	Symbol Symbol          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// NormalizeSymbol splits a venue symbol containing currency into spend and receive parts.
// Characters listed in prefixes are stripped from the start of the spend part
// (some venues prefix asset codes, e.g. XXBTZEUR).
func NormalizeSymbol(raw, currency, prefixes string) Symbol {
	upper := strings.ToUpper(raw)
	cur := strings.ToUpper(currency)

	idx := strings.Index(upper, cur)
	if cur == "" || idx < 0 {
		return Symbol{Name: raw, Spend: strings.Trim(upper, symbolSeparators), Receive: cur}
	}

	before := strings.Trim(upper[:idx], symbolSeparators)
	after := strings.Trim(upper[idx+len(cur):], symbolSeparators)

	spend := after
	if spend == "" {
		spend = before
	}
	if prefixes != "" && len(spend) > 3 {
		spend = strings.TrimLeft(spend, strings.ToUpper(prefixes))
	}

	return Symbol{Name: raw, Spend: spend, Receive: cur}
}

// SymbolEndsWith reports whether symbol ends with currency, ignoring case.
func SymbolEndsWith(symbol, currency string) bool {
	return strings.HasSuffix(strings.ToUpper(symbol), strings.ToUpper(currency))
}
