package state

// CanonicalBytes for deterministic hashing
func (s RateState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// market (length-prefixed)
	buf = append(buf, byte(len(s.Market)))
	buf = append(buf, []byte(s.Market)...)

	// rate and price (length-prefixed two's-complement raw values)
	buf = appendRaw(buf, s.LastRate.Raw().Bytes(), s.LastRate.Sign())
	buf = appendRaw(buf, s.LastPrice.Raw().Bytes(), s.LastPrice.Sign())

	// timestamps, epoch (8 bytes LE)
	buf = appendInt64LE(buf, s.LastTimestamp)
	buf = appendInt64LE(buf, s.ComputedAt)
	buf = appendInt64LE(buf, s.Epoch)

	return buf
}

// CanonicalBytes for deterministic hashing
func (p RateParameters) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)
	buf = appendRaw(buf, p.BaseRate.Raw().Bytes(), p.BaseRate.Sign())
	buf = appendRaw(buf, p.BollingerWidth.Raw().Bytes(), p.BollingerWidth.Sign())
	return appendInt64LE(buf, p.Version)
}

// appendRaw writes sign, length and big-endian magnitude.
func appendRaw(buf, mag []byte, sign int) []byte {
	buf = append(buf, byte(sign+1), byte(len(mag)))
	return append(buf, mag...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
