package mix

import "golang.org/x/crypto/blake2b"

// digest returns blake2b-256(member).
func digest(member []byte) [32]byte {
	return blake2b.Sum256(member)
}

// xorDigests combines two 32-byte digests with XOR, the commutative
// fold operation the accumulator is built from: order of combination
// never matters, so a member's witness is simply "the accumulator
// without it".
func xorDigests(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// accumulate folds every member's digest into one accumulator value
// via XOR, giving a commutative, hash-based accumulator: the result
// is independent of member order.
func accumulate(members [][]byte) [32]byte {
	var acc [32]byte
	for _, m := range members {
		acc = xorDigests(acc, digest(m))
	}
	return acc
}

// witness computes the membership witness for members[idx]: the
// accumulator value with that member's digest removed (XOR is its own
// inverse, so this is just the accumulator of every other member).
func witness(members [][]byte, idx int) [32]byte {
	var acc [32]byte
	for i, m := range members {
		if i == idx {
			continue
		}
		acc = xorDigests(acc, digest(m))
	}
	return acc
}

// verifyWitness reports whether w is a valid membership witness for
// member against the published accumulator acc: folding member's
// digest back into w must reproduce acc exactly.
func verifyWitness(acc [32]byte, w [32]byte, member []byte) bool {
	return xorDigests(w, digest(member)) == acc
}
