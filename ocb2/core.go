package ocb2

import "crypto/cipher"

// This file implements the OCB2 (Rogaway, 2004) block-cipher mode as used
// by Mumble's voice channel: full-block offsets are doubled block-by-block
// (S2) rather than following the Gray-code optimization from the OCB2
// draft, since Mumble packets are always short. The final checksum block
// uses the tripled offset (S3 = S2(x) xor x).

func xorBlock(dst, a, b *[16]byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// s2 doubles block in GF(2^128) under the OCB reduction polynomial,
// in place.
func s2(block *[16]byte) {
	carry := block[0] >> 7
	for i := 0; i < 15; i++ {
		block[i] = block[i]<<1 | block[i+1]>>7
	}
	block[15] <<= 1
	if carry != 0 {
		block[15] ^= 0x87
	}
}

// s3 computes 3*block = 2*block xor block, in place.
func s3(block *[16]byte) {
	orig := *block
	s2(block)
	xorBlock(block, block, &orig)
}

// isWeakBlock reports the forgery-prone condition Mumble's CryptState
// refuses to process: a full plaintext block that ANDs to zero with the
// current offset while the offset's top bit is set (the next S2 doubling
// would fold the reduction constant into a block that contributes nothing
// to the checksum).
func isWeakBlock(block, delta *[16]byte) bool {
	if delta[0]&0x80 == 0 {
		return false
	}
	for i := range block {
		if block[i]&delta[i] != 0 {
			return false
		}
	}
	return true
}

func ocbEncrypt(block cipher.Block, nonce [16]byte, plain []byte) ([]byte, [TagSize]byte, error) {
	var tag [TagSize]byte

	var delta [16]byte
	block.Encrypt(delta[:], nonce[:])

	var checksum [16]byte
	out := make([]byte, len(plain))

	off := 0
	remaining := len(plain)
	for remaining > 16 {
		var pBlock [16]byte
		copy(pBlock[:], plain[off:off+16])

		s2(&delta)
		if isWeakBlock(&pBlock, &delta) {
			return nil, tag, ErrForgery
		}

		var tmp [16]byte
		xorBlock(&tmp, &delta, &pBlock)
		block.Encrypt(tmp[:], tmp[:])
		var outBlock [16]byte
		xorBlock(&outBlock, &delta, &tmp)
		copy(out[off:off+16], outBlock[:])

		xorBlock(&checksum, &checksum, &pBlock)

		off += 16
		remaining -= 16
	}

	s2(&delta)

	var lenBlock [16]byte
	bitLen := uint32(remaining * 8)
	lenBlock[4] = byte(bitLen >> 24)
	lenBlock[5] = byte(bitLen >> 16)
	lenBlock[6] = byte(bitLen >> 8)
	lenBlock[7] = byte(bitLen)
	xorBlock(&lenBlock, &lenBlock, &delta)

	var pad [16]byte
	block.Encrypt(pad[:], lenBlock[:])

	var tmp [16]byte
	copy(tmp[:remaining], plain[off:off+remaining])
	copy(tmp[remaining:], pad[remaining:])

	if isWeakBlock(&tmp, &delta) {
		return nil, tag, ErrForgery
	}

	xorBlock(&checksum, &checksum, &tmp)

	var finalBlock [16]byte
	xorBlock(&finalBlock, &pad, &tmp)
	copy(out[off:off+remaining], finalBlock[:remaining])

	s3(&delta)
	var tagBlock [16]byte
	xorBlock(&tagBlock, &delta, &checksum)
	block.Encrypt(tag[:], tagBlock[:])

	return out, tag, nil
}

func ocbDecrypt(block cipher.Block, nonce [16]byte, ciphertext []byte) ([]byte, [TagSize]byte, error) {
	var tag [TagSize]byte

	var delta [16]byte
	block.Encrypt(delta[:], nonce[:])

	var checksum [16]byte
	out := make([]byte, len(ciphertext))

	off := 0
	remaining := len(ciphertext)
	for remaining > 16 {
		var cBlock [16]byte
		copy(cBlock[:], ciphertext[off:off+16])

		s2(&delta)

		var tmp [16]byte
		xorBlock(&tmp, &delta, &cBlock)
		block.Decrypt(tmp[:], tmp[:])
		var pBlock [16]byte
		xorBlock(&pBlock, &delta, &tmp)

		if isWeakBlock(&pBlock, &delta) {
			return nil, tag, ErrForgery
		}

		copy(out[off:off+16], pBlock[:])
		xorBlock(&checksum, &checksum, &pBlock)

		off += 16
		remaining -= 16
	}

	s2(&delta)

	var lenBlock [16]byte
	bitLen := uint32(remaining * 8)
	lenBlock[4] = byte(bitLen >> 24)
	lenBlock[5] = byte(bitLen >> 16)
	lenBlock[6] = byte(bitLen >> 8)
	lenBlock[7] = byte(bitLen)
	xorBlock(&lenBlock, &lenBlock, &delta)

	var pad [16]byte
	block.Encrypt(pad[:], lenBlock[:])

	var tmp [16]byte
	copy(tmp[:remaining], ciphertext[off:off+remaining])
	copy(tmp[remaining:], pad[remaining:])

	var pBlock [16]byte
	xorBlock(&pBlock, &pad, &tmp)

	var finalChecksumBlock [16]byte
	copy(finalChecksumBlock[:remaining], pBlock[:remaining])
	copy(finalChecksumBlock[remaining:], pad[remaining:])

	if isWeakBlock(&finalChecksumBlock, &delta) {
		return nil, tag, ErrForgery
	}

	copy(out[off:off+remaining], pBlock[:remaining])
	xorBlock(&checksum, &checksum, &finalChecksumBlock)

	s3(&delta)
	var tagBlock [16]byte
	xorBlock(&tagBlock, &delta, &checksum)
	block.Encrypt(tag[:], tagBlock[:])

	return out, tag, nil
}
