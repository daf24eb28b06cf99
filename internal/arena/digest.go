package arena

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// Digest returns a hex SHA-256 over a canonical encoding of objects: for each
// object in order, the length-prefixed id and type followed by the IEEE-754
// bits of x, y, vx, vy and radius, all big-endian. Two layouts share a digest
// only if they are field-for-field identical.
func Digest(objects []GameObject) string {
	h := sha256.New()
	var buf [8]byte

	writeString := func(s string) {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
		h.Write(buf[:4])
		h.Write([]byte(s))
	}
	writeFloat := func(f float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}

	for i := range objects {
		o := &objects[i]
		writeString(o.ID)
		writeString(string(o.Type))
		writeFloat(o.X)
		writeFloat(o.Y)
		writeFloat(o.VX)
		writeFloat(o.VY)
		writeFloat(o.Radius)
	}
	return hex.EncodeToString(h.Sum(nil))
}
