package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndPEMRoundTrip(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	pemData := key.ToPEM()
	require.NotEmpty(t, pemData)

	loaded, err := FromPEM(pemData)
	require.NoError(t, err)

	fp1, err := key.Fingerprint()
	require.NoError(t, err)
	fp2, err := loaded.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "fingerprint must be stable across PEM round trips")
}

func TestFromPEMRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not pem", "definitely not a key"},
		{"wrong block type", "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromPEM(tt.input)
			require.Error(t, err)
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	data := []byte("bytes worth signing")
	sig, err := key.SignPSS(data)
	require.NoError(t, err)

	require.NoError(t, VerifyPSS(key.Public(), data, sig))

	require.ErrorIs(t, VerifyPSS(key.Public(), []byte("different bytes"), sig), ErrVerification)

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xff
	require.ErrorIs(t, VerifyPSS(key.Public(), data, tampered), ErrVerification)

	other, err := Generate()
	require.NoError(t, err)
	require.ErrorIs(t, VerifyPSS(other.Public(), data, sig), ErrVerification)
}

func TestEncryptDecrypt(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	secret := []byte("a 32 byte session key goes here!")
	blob, err := EncryptOAEP(key.Public(), secret)
	require.NoError(t, err)

	out, err := key.DecryptOAEP(blob)
	require.NoError(t, err)
	require.Equal(t, secret, out)

	other, err := Generate()
	require.NoError(t, err)
	_, err = other.DecryptOAEP(blob)
	require.Error(t, err, "decrypting with the wrong key must fail")
}
