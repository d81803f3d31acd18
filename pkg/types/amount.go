package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// CoinDecimals is the number of base-unit digits in one coin.
const CoinDecimals = 8

// Coin is the number of base units in one coin.
const Coin Amount = 100_000_000

var (
	coinScale = decimal.New(1, CoinDecimals)
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// Amount is a count of base units. 1 coin = 10^8 base units.
// It is signed because wallet histories carry negative net values.
type Amount int64

// AmountFromCoins converts a coin-denominated decimal to base units.
// Values with precision finer than one base unit are rejected.
func AmountFromCoins(coins decimal.Decimal) (Amount, error) {
	scaled := coins.Mul(coinScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", coins.String(), CoinDecimals)
	}
	if scaled.GreaterThan(maxAmount) || scaled.LessThan(minAmount) {
		return 0, fmt.Errorf("amount %s out of range", coins.String())
	}
	return Amount(scaled.IntPart()), nil
}

// ParseAmount parses a coin-denominated decimal string such as "1.5" or "1e-8".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromCoins(d)
}

// Coins returns the exact coin-denominated value.
func (a Amount) Coins() decimal.Decimal {
	return decimal.New(int64(a), -CoinDecimals)
}

// String formats the amount in coins without trailing zeros.
func (a Amount) String() string {
	return a.Coins().String()
}

// MarshalJSON encodes the amount as a decimal coin number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Coins().String()), nil
}

// UnmarshalJSON accepts a decimal coin number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
