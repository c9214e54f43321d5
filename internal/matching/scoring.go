// Package matching scores inbox documents against bank transactions.
package matching

import (
	"math"
	"time"

	"inbox-pipeline/internal/models"
)

// Money is one side of an amount comparison. Zero amounts count as missing.
type Money struct {
	Amount       float64
	Currency     string
	BaseAmount   float64
	BaseCurrency string
}

type amountMode int

const (
	modeExactCurrency amountMode = iota
	modeCrossCurrencyBase
	modeBaseCurrency
	modeDifferentCurrency
)

// AmountScore compares two amounts, preferring same-currency comparison, then base
// currency amounts, then a heavily discounted raw comparison.
func AmountScore(a, b Money) float64 {
	if a.Amount == 0 || b.Amount == 0 {
		return 0.5
	}

	if a.Currency != "" && a.Currency == b.Currency {
		return amountDifferenceScore(a.Amount, b.Amount, modeExactCurrency)
	}

	if a.BaseAmount != 0 && b.BaseAmount != 0 && a.BaseCurrency != "" && a.BaseCurrency == b.BaseCurrency {
		mode := modeBaseCurrency
		if a.Currency != b.Currency {
			mode = modeCrossCurrencyBase
		}
		return amountDifferenceScore(a.BaseAmount, b.BaseAmount, mode)
	}

	if a.Currency != b.Currency {
		abs1, abs2 := math.Abs(a.Amount), math.Abs(b.Amount)
		ratio := math.Max(abs1, abs2) / math.Min(abs1, abs2)
		if oppositeSigns(a.Amount, b.Amount) && ratio > 5 {
			return 0.1
		}
		return amountDifferenceScore(a.Amount, b.Amount, modeDifferentCurrency) * 0.4
	}

	// both currencies empty
	return amountDifferenceScore(a.Amount, b.Amount, modeDifferentCurrency)
}

func oppositeSigns(a, b float64) bool {
	return (a > 0 && b < 0) || (a < 0 && b > 0)
}

func amountDifferenceScore(a, b float64, mode amountMode) float64 {
	penalty := 1.0
	if oppositeSigns(a, b) {
		// invoice against payment: compare magnitudes
		a, b = math.Abs(a), math.Abs(b)
		if mode == modeDifferentCurrency {
			penalty = 0.3
		} else {
			penalty = 0.7
		}
	}

	maxAmount := math.Max(math.Abs(a), math.Abs(b))
	if maxAmount == 0 {
		if a == b {
			return 1
		}
		return 0
	}
	pct := math.Abs(a-b) / maxAmount

	var base float64
	switch {
	case pct == 0:
		base = 1
	case pct <= 0.01:
		base = 0.98
	case pct <= 0.02:
		base = 0.95
	case pct <= 0.025:
		base = 0.92
	case pct <= 0.03:
		base = 0.90
	case pct <= 0.05:
		base = 0.85
	case pct <= 0.10:
		base = 0.60
	case pct <= 0.20:
		base = 0.30
	}

	switch mode {
	case modeExactCurrency:
		return math.Min(1, base*1.1)
	case modeBaseCurrency:
		return math.Min(1, base*1.05)
	case modeCrossCurrencyBase:
		return math.Min(1, base*1.03*penalty)
	default:
		return base * penalty
	}
}

func CurrencyScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0.5
	}
	if a == b {
		return 1
	}
	return 0.3
}

// DateScore rates how plausible the gap between a document date and a transaction
// date is. Invoices expect payment after the document on common payment terms;
// expenses expect the receipt after the transaction, allowing three days of banking
// delay. Anything outside those shapes falls back to plain proximity.
func DateScore(docDate, txDate time.Time, kind models.DocumentType) float64 {
	signed := txDate.Sub(docDate).Hours() / 24
	days := math.Abs(signed)

	if kind == models.DocumentTypeInvoice {
		if signed > 0 {
			switch {
			case signed >= 24 && signed <= 38:
				return 0.98
			case signed >= 55 && signed <= 68:
				return 0.96
			case signed >= 85 && signed <= 98:
				return 0.94
			case signed >= 10 && signed <= 20:
				return 0.95
			case signed >= 3 && signed <= 11:
				return 0.93
			case signed <= 6:
				return 0.99
			case signed <= 123:
				return math.Max(0.7, 0.9-(signed-33)*0.002)
			}
		} else if signed >= -10 {
			return 0.85
		}
	} else {
		if signed < 0 {
			adjusted := days + 3
			switch {
			case adjusted <= 4:
				return 0.99
			case adjusted <= 10:
				return 0.95
			case adjusted <= 33:
				return 0.90
			case adjusted <= 63:
				return 0.80
			case adjusted <= 93:
				return 0.70
			}
		} else if signed <= 10 {
			return 0.85
		}
	}

	switch {
	case days == 0:
		return 1
	case days <= 1:
		return 0.95
	case days <= 3:
		return 0.85
	case days <= 7:
		return 0.75
	case days <= 14:
		return 0.60
	case days <= 30:
		return math.Max(0.3, 1-(days/30)*0.7)
	}
	return 0.1
}

// CosineSimilarity clamps to [0,1]; mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
