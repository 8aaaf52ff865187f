package protocol

// Checksum computes the Fletcher-16 style checksum used for payload integrity.
// Both accumulators are reduced modulo 255 on every byte; the result packs
// sum2 into the high byte and sum1 into the low byte. An empty payload yields 0.
func Checksum(payload []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range payload {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
