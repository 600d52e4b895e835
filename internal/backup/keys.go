package backup

import "zstack-go-home/internal/structs"

// repeatedAddress is the device address in stored (little-endian) order,
// twice.
func repeatedAddress(ieee structs.IEEEAddr) structs.Key {
	var out structs.Key
	for i := range 8 {
		out[i] = ieee[7-i]
		out[i+8] = ieee[7-i]
	}
	return out
}

func rotateLeft(k structs.Key, n int) structs.Key {
	var out structs.Key
	for i := range out {
		out[i] = k[(i+n)%len(k)]
	}
	return out
}

func xor(a, b structs.Key) structs.Key {
	var out structs.Key
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// DeriveLinkKey computes the trust center link key Z-Stack derives for a
// device: the seed rotated left by shift, XOR the address repeated twice.
func DeriveLinkKey(seed structs.Key, ieee structs.IEEEAddr, shift uint8) structs.Key {
	return xor(rotateLeft(seed, int(shift)%len(seed)), repeatedAddress(ieee))
}

// RecoverSeedShift finds the shift for which DeriveLinkKey(seed, ieee,
// shift) yields key. Seeds with a repeating pattern match several shifts;
// the smallest is returned.
func RecoverSeedShift(key, seed structs.Key, ieee structs.IEEEAddr) (uint8, bool) {
	rotated := xor(key, repeatedAddress(ieee))
	for shift := range len(seed) {
		if rotateLeft(seed, shift) == rotated {
			return uint8(shift), true
		}
	}
	return 0, false
}
