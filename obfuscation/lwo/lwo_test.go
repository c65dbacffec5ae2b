package lwo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObfuscate_SetsObfuscationBitAndPreservesPayload(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xef
	}

	payload := []byte("hello wireguard payload")
	pkt := make([]byte, 32+len(payload))
	pkt[0] = 0x04 // Data
	copy(pkt[32:], payload)
	original := append([]byte(nil), pkt...)

	out, err := Obfuscate(pkt, key)
	require.NoError(t, err)
	require.NotEqual(t, original[:32], out[:32], "prefix must be rewritten")
	require.Equal(t, payload, out[32:], "payload must be untouched")
	require.NotZero(t, out[1]&obfuscationBit, "second byte MSB must be set")
}

func TestDeobfuscate_RoundTripsToOriginalPacket(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0xef
	}

	payload := []byte("payload bytes")
	pkt := make([]byte, 32+len(payload))
	pkt[0] = 0x04
	copy(pkt[32:], payload)
	original := append([]byte(nil), pkt...)

	obf, err := Obfuscate(pkt, key)
	require.NoError(t, err)

	deobf, err := Deobfuscate(obf, key)
	require.NoError(t, err)
	require.Equal(t, byte(0x04), deobf[0])
	require.Equal(t, byte(0), deobf[1])
	require.Equal(t, original[32:], deobf[32:])
}

func TestObfuscate_PassesThroughUnrecognizedTypeByte(t *testing.T) {
	var key [32]byte
	pkt := []byte{0xff, 0, 0, 0}
	out, err := Obfuscate(pkt, key)
	require.NoError(t, err)
	require.Equal(t, pkt, out, "unrelated bytes must pass through unmodified")
}

func TestDeobfuscate_PassesThroughNonObfuscatedBytes(t *testing.T) {
	var key [32]byte
	pkt := []byte{0x04, 0x00, 0x01, 0x02}
	out, err := Deobfuscate(pkt, key)
	require.NoError(t, err)
	require.Equal(t, pkt, out)
}

func TestDeobfuscate_PassesThroughWhenPrefixNeverResolves(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0x5a
	}
	// obfuscation bit set, but no key makes the xor'd prefix start with a
	// recognized type byte for any known prefix length.
	pkt := []byte{0x00, obfuscationBit | 0x01, 0x02, 0x03}
	out, err := Deobfuscate(pkt, key)
	require.NoError(t, err)
	require.Equal(t, pkt, out)
}

func TestXorPrefix_IsSelfInverse(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	original := make([]byte, 32)
	for i := range original {
		original[i] = byte(200 - i)
	}

	buf := append([]byte(nil), original...)
	xorPrefix(buf, key)
	require.NotEqual(t, original, buf)
	xorPrefix(buf, key)
	require.Equal(t, original, buf)
}

func TestAllRecognizedTypesRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = 0x5a
	}

	for typ, n := range prefixLen {
		pkt := make([]byte, n+8)
		pkt[0] = typ
		copy(pkt[n:], []byte("trailing"))
		original := append([]byte(nil), pkt...)

		obf, err := Obfuscate(pkt, key)
		require.NoError(t, err)
		deobf, err := Deobfuscate(obf, key)
		require.NoError(t, err)
		require.Equal(t, original, deobf, "type %d must round-trip", typ)
	}
}
