package xmodem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBlockNumberAllValues(t *testing.T) {
	for n := 0; n < 256; n++ {
		blk := byte(n)
		assert.True(t, VerifyBlockNumber(blk, ^blk), "blk %d", n)
		assert.False(t, VerifyBlockNumber(blk, ^blk+1), "blk %d off by one", n)
	}
}

func TestBlockLength(t *testing.T) {
	assert.Equal(t, 132, blockLength(false))
	assert.Equal(t, 133, blockLength(true))
}

func TestBuildBlockChecksum(t *testing.T) {
	// The literal two-byte file "AB": block 1 is 41 42 followed by 126
	// SUB pad bytes, with a one-byte checksum trailer.
	block := buildBlock(1, []byte{0x41, 0x42}, false)
	require.Len(t, block, 132)

	assert.Equal(t, byte(SOH), block[0])
	assert.Equal(t, byte(0x01), block[1])
	assert.Equal(t, byte(0xFE), block[2])
	assert.Equal(t, byte(0x41), block[3])
	assert.Equal(t, byte(0x42), block[4])
	for i := 5; i < 3+BlockSize; i++ {
		require.Equal(t, byte(SUB), block[i], "pad byte at %d", i)
	}

	// 0x41 + 0x42 + 126*0x1A = 3407 = 13*256 + 0x4F
	assert.Equal(t, byte(0x4F), block[131])
}

func TestBuildBlockCRC(t *testing.T) {
	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	block := buildBlock(5, payload, true)
	require.Len(t, block, 133)

	assert.Equal(t, byte(0x05), block[1])
	assert.Equal(t, byte(0xFA), block[2])

	crc := CRC16(payload)
	assert.Equal(t, byte(crc>>8), block[131])
	assert.Equal(t, byte(crc), block[132])
	assert.True(t, verifyTrailer(block[3:131], block[131:], true))
}

func TestBuildBlockFullPayloadNoPadding(t *testing.T) {
	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	block := buildBlock(2, payload, false)
	assert.Equal(t, payload, block[3:3+BlockSize])
}

func TestVerifyTrailerRejectsCorruption(t *testing.T) {
	payload := []byte("payload under test")
	block := buildBlock(1, payload, true)

	corrupted := append([]byte(nil), block...)
	corrupted[10] ^= 0x01
	assert.False(t, verifyTrailer(corrupted[3:131], corrupted[131:], true))

	block = buildBlock(1, payload, false)
	corrupted = append([]byte(nil), block...)
	corrupted[10] ^= 0x01
	assert.False(t, verifyTrailer(corrupted[3:131], corrupted[131:], false))
}
