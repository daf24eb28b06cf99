package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// HashSeed returns the hex SHA-256 of the seed's decimal form. Logs and
// listings carry this instead of the seed itself.
func HashSeed(seed *big.Int) string {
	if seed == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(seed.String()))
	return hex.EncodeToString(sum[:])
}
