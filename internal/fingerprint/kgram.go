package fingerprint

const (
	fnvOffset32 uint32 = 0x811c9dc5
	fnvPrime32  uint32 = 0x01000193
)

// hash32 computes the FNV-1a 32-bit hash of b, using unsigned 32-bit
// arithmetic on byte values (§4.1).
func hash32(b []byte) uint32 {
	h := fnvOffset32
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}

// kgramHashes emits one FNV-1a hash per sliding k-character window over
// normalised text. Text shorter than k is hashed whole, once.
func kgramHashes(normalised string, k int) []uint32 {
	n := len(normalised)
	if n == 0 {
		return nil
	}
	if n < k {
		return []uint32{hash32([]byte(normalised))}
	}
	hashes := make([]uint32, 0, n-k+1)
	b := []byte(normalised)
	for i := 0; i+k <= n; i++ {
		hashes = append(hashes, hash32(b[i:i+k]))
	}
	return hashes
}
