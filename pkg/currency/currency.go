// Package currency converts between the money units the platform uses:
// kobo (minor NGN units, stored everywhere), naira, and Bubbles (the
// in-app wallet credit, 1 Bubble = 100 naira).
package currency

import "fmt"

const (
	KoboPerNaira   int64 = 100
	NairaPerBubble int64 = 100
	KoboPerBubble  int64 = KoboPerNaira * NairaPerBubble
)

// KoboToNaira converts minor units to whole naira, truncating.
func KoboToNaira(kobo int64) int64 {
	return kobo / KoboPerNaira
}

// NairaToKobo converts whole naira to minor units.
func NairaToKobo(naira int64) int64 {
	return naira * KoboPerNaira
}

// KoboToBubbles converts a kobo amount to wallet Bubbles, rounding up so a
// debit always covers the full installment amount.
func KoboToBubbles(kobo int64) int64 {
	if kobo <= 0 {
		return 0
	}
	return (kobo + KoboPerBubble - 1) / KoboPerBubble
}

// BubblesToKobo converts wallet Bubbles to kobo.
func BubblesToKobo(bubbles int64) int64 {
	return bubbles * KoboPerBubble
}

// FormatNaira renders a kobo amount as a naira string with two decimals,
// e.g. 1550050 -> "15500.50".
func FormatNaira(kobo int64) string {
	sign := ""
	if kobo < 0 {
		sign = "-"
		kobo = -kobo
	}
	return fmt.Sprintf("%s%d.%02d", sign, kobo/KoboPerNaira, kobo%KoboPerNaira)
}
