package bundlefile

import "crypto/sha256"

// LeafSize is the Glacier tree-hash leaf size: 1 MiB.
const LeafSize = 1 << 20

// TreeHash computes the Glacier-style hierarchical SHA-256 tree hash of
// data: split into 1 MiB leaves, SHA-256 each, then repeatedly pair and
// SHA-256 adjacent hashes until one root remains. A file no longer than one
// leaf has tree-hash equal to its linear hash.
func TreeHash(data []byte) [32]byte {
	if len(data) == 0 {
		return sha256.Sum256(nil)
	}

	leaves := make([][32]byte, 0, (len(data)+LeafSize-1)/LeafSize)
	for off := 0; off < len(data); off += LeafSize {
		end := off + LeafSize
		if end > len(data) {
			end = len(data)
		}
		leaves = append(leaves, sha256.Sum256(data[off:end]))
	}

	return reduce(leaves)
}

func reduce(level [][32]byte) [32]byte {
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				combined := make([]byte, 64)
				copy(combined[:32], level[i][:])
				copy(combined[32:], level[i+1][:])
				next = append(next, sha256.Sum256(combined))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// LinearHash computes the plain SHA-256 of data.
func LinearHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
