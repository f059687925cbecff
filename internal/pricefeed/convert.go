package pricefeed

import "github.com/shopspring/decimal"

// dollarsToCents parses a decimal-string dollar amount (as upstream feeds
// send it) into integer cents, the canonical unit this package and
// everything downstream of it operate in.
func dollarsToCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}
