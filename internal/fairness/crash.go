package fairness

import (
	"fmt"
	"math/big"
)

const (
	// MinCrashPoint is 1.00x in hundredths.
	MinCrashPoint int64 = 100

	// the first 52 bits of a hash are its first 13 hex digits
	hashPrefixDigits = 13
	hashBits         = 52

	bpsDenominator = 10000
)

var twoPow52 = new(big.Int).Lsh(big.NewInt(1), hashBits)

// CrashPoint maps a round hash to its crash multiplier in hundredths under a
// house edge given in basis points (100 = 1%). Integer arithmetic keeps the
// result reproducible on any client.
func CrashPoint(hash string, edgeBPS int64) (int64, error) {
	if edgeBPS < 0 || edgeBPS >= bpsDenominator {
		return 0, fmt.Errorf("house edge %d bps out of range", edgeBPS)
	}
	if len(hash) < hashPrefixDigits {
		return 0, fmt.Errorf("hash %q too short", hash)
	}
	prefix := hash[:hashPrefixDigits]
	if !isHex(prefix) {
		return 0, fmt.Errorf("hash %q is not hex", hash)
	}
	h, _ := new(big.Int).SetString(prefix, 16)

	// r < e  <=>  h * 10000 < edge * 2^52
	lhs := new(big.Int).Mul(h, big.NewInt(bpsDenominator))
	rhs := new(big.Int).Mul(big.NewInt(edgeBPS), twoPow52)
	if lhs.Cmp(rhs) < 0 {
		return MinCrashPoint, nil
	}

	// floor(100 * (1-e) / (1-r)) == floor(100 * (10000-edge) * 2^52 / (10000 * (2^52-h)))
	num := new(big.Int).Mul(big.NewInt(100*(bpsDenominator-edgeBPS)), twoPow52)
	den := new(big.Int).Mul(big.NewInt(bpsDenominator), new(big.Int).Sub(twoPow52, h))
	point := new(big.Int).Quo(num, den).Int64()

	if point < MinCrashPoint {
		point = MinCrashPoint
	}
	return point, nil
}

// FormatMultiplier renders hundredths as "1.98".
func FormatMultiplier(hundredths int64) string {
	return fmt.Sprintf("%d.%02d", hundredths/100, hundredths%100)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
