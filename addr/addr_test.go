package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	hash := make([]byte, HashSize)
	for i := range hash {
		hash[i] = byte(i)
	}
	a, err := New([2]byte{0x1e, 0x00}, hash)
	require.NoError(t, err)

	encoded := a.String()
	require.NotEmpty(t, encoded)

	b, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func TestNewRejectsWrongLength(t *testing.T) {
	_, err := New([2]byte{0x1e, 0x00}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not a valid base58check string!!")
	require.Error(t, err)
}

func TestValid(t *testing.T) {
	var zero PaymentAddress
	require.False(t, zero.Valid())

	hash := make([]byte, HashSize)
	hash[0] = 1
	a, err := New([2]byte{0x1e, 0x00}, hash)
	require.NoError(t, err)
	require.True(t, a.Valid())
}

func TestEqualDistinguishesVersion(t *testing.T) {
	hash := make([]byte, HashSize)
	a, _ := New([2]byte{0x00, 0x00}, hash)
	b, _ := New([2]byte{0x01, 0x00}, hash)
	require.False(t, a.Equal(b))
}
