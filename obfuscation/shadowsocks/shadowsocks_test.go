package shadowsocks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, c := range []Cipher{CipherAES256GCM, CipherChaCha20IETFPoly1305, CipherXChaCha20Poly1305} {
		t.Run(c.String(), func(t *testing.T) {
			o := &Obfuscator{cfg: Config{Cipher: c, Password: "correct horse battery staple"}}
			o.masterKey = deriveMasterKey(o.cfg.Password, c.keySize())

			plaintext := []byte("wireguard handshake init payload")
			packet, err := o.seal(plaintext)
			require.NoError(t, err)
			require.Greater(t, len(packet), len(plaintext))

			got, err := o.open(packet)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestOpenRejectsTamperedPacket(t *testing.T) {
	o := &Obfuscator{cfg: Config{Cipher: CipherAES256GCM, Password: "hunter2"}}
	o.masterKey = deriveMasterKey(o.cfg.Password, o.cfg.Cipher.keySize())

	packet, err := o.seal([]byte("payload"))
	require.NoError(t, err)
	packet[len(packet)-1] ^= 0xFF

	_, err = o.open(packet)
	require.Error(t, err)
}

func TestDeriveMasterKeyIsDeterministicAndLengthCorrect(t *testing.T) {
	k1 := deriveMasterKey("password", 32)
	k2 := deriveMasterKey("password", 32)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)

	k3 := deriveMasterKey("different", 32)
	require.NotEqual(t, k1, k3)
}

func TestPacketOverheadMatchesCipher(t *testing.T) {
	require.EqualValues(t, 48, CipherAES256GCM.overhead())
	require.EqualValues(t, 48, CipherChaCha20IETFPoly1305.overhead())
	require.EqualValues(t, 32+24+16, CipherXChaCha20Poly1305.overhead())
}
