package fingerprint

// winnow selects the winnowed fingerprint set from a sequence of k-gram
// hashes, following Schleimer–Wilkerson–Aiken: slide a window of size w
// over the hash sequence, take the minimum of each window (ties broken by
// leftmost occurrence), and emit only when the minimum changes from the
// previous emission. The result is an unordered, duplicate-free set.
func winnow(hashes []uint32, w int) map[uint32]struct{} {
	out := make(map[uint32]struct{})
	if len(hashes) == 0 {
		return out
	}
	if w <= 1 || len(hashes) < w {
		for _, h := range hashes {
			out[h] = struct{}{}
		}
		return out
	}

	var lastEmitted uint32
	haveEmitted := false

	for start := 0; start+w <= len(hashes); start++ {
		minIdx := start
		for i := start + 1; i < start+w; i++ {
			if hashes[i] < hashes[minIdx] {
				minIdx = i
			}
		}
		minVal := hashes[minIdx]
		if !haveEmitted || minVal != lastEmitted {
			out[minVal] = struct{}{}
			lastEmitted = minVal
			haveEmitted = true
		}
	}
	return out
}
