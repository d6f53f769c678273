package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	addr := key.Address()
	encoded := addr.String()
	require.NotEmpty(t, encoded)

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr.Bytes(), decoded.Bytes())
}

func TestSigningKeyBase58RoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	encoded := key.Base58()
	restored, err := SigningKeyFromBase58(encoded)
	require.NoError(t, err)
	require.Equal(t, key.Address().String(), restored.Address().String())

	msg := []byte("settlement-finalize")
	sig := restored.Sign(msg)
	require.Len(t, sig, 64)
}

func TestDecodeAddressRejectsInvalid(t *testing.T) {
	_, err := DecodeAddress("not-base58-!!!")
	require.Error(t, err)

	_, err = NewAddress([]byte{1, 2, 3})
	require.Error(t, err)
}
