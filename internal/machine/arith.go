package machine

// Apply computes target OP value for a register operation and returns the
// new register content, per spec §4.5.
//
// Add wraps with discarded carry-out. The native-width paths for 1/2/4/8
// bytes are a performance optimization, not a semantic choice: the
// byte-by-byte path below produces bit-identical results for every size and
// is used uniformly.
func Apply(op Op, target []byte, value []byte) []byte {
	result := make([]byte, len(target))

	switch op {
	case OpSet:
		copy(result, value)
	case OpAdd:
		var carry uint16
		for i := range target {
			sum := uint16(target[i]) + uint16(value[i]) + carry
			result[i] = byte(sum)
			carry = sum >> 8
		}
	case OpAnd:
		for i := range target {
			result[i] = target[i] & value[i]
		}
	case OpOr:
		for i := range target {
			result[i] = target[i] | value[i]
		}
	default:
		panic("machine: invalid op")
	}

	return result
}
