// Package pricing converts between US dollar amounts and satoshis and
// keeps the cached BTC-USD rate fresh.
//
// The rate is the BTC price in whole US dollars. All conversions are
// integer math; rounding direction always favors the platform. Quoting
// USD-priced work in sats rounds up, converting a cents balance into
// sats rounds down, and pricing a sats amount in cents rounds up.
package pricing

// UsdMicrosToSats converts USD micros to satoshis, rounding up.
//
// 1 micro = 1e-6 USD = 1e8 * 1e-6 / rate sats, so sats = micros * 100 / rate.
func UsdMicrosToSats(usdMicros, rate int64) int64 {
	if usdMicros <= 0 || rate <= 0 {
		return 0
	}
	return ceilDiv(usdMicros*100, rate)
}

// UsdCentsToSats converts USD cents to satoshis, rounding down.
func UsdCentsToSats(usdCents, rate int64) int64 {
	if usdCents <= 0 || rate <= 0 {
		return 0
	}
	return usdCents * 1_000_000 / rate
}

// SatsToUsdCents converts satoshis to USD cents, rounding up.
func SatsToUsdCents(sats, rate int64) int64 {
	if sats <= 0 || rate <= 0 {
		return 0
	}
	return ceilDiv(sats*rate, 1_000_000)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
