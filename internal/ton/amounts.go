package ton

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// Decimals is the fixed-point precision of TON (1 TON = 1e9 nanotons).
const Decimals = 9

// ParseTON converts a human-readable TON amount ("10.5") to nanotons.
func ParseTON(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalidAmount)
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		if len(decimal) > Decimals {
			return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
		}
		for len(decimal) < Decimals {
			decimal += "0"
		}
		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}

// FormatTON converts nanotons to a human-readable TON string.
func FormatTON(amountNano *big.Int) string {
	if amountNano == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	whole := new(big.Int).Div(amountNano, divisor)
	remainder := new(big.Int).Mod(amountNano, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := strings.TrimRight(fmt.Sprintf("%09d", remainder.Int64()), "0")
	return whole.String() + "." + frac
}

// PaymentLink builds a ton:// transfer deep link wallet apps understand.
func PaymentLink(addr string, amountNano *big.Int, comment string) string {
	link := fmt.Sprintf("ton://transfer/%s?amount=%s", addr, amountNano.String())
	if comment != "" {
		link += "&text=" + url.QueryEscape(comment)
	}
	return link
}
