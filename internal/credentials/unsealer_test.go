package credentials

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKey = "7f3a9b1c5d2e8f4a6b0c7d9e1f3a5b7c9d1e3f5a7b9c1d3e5f7a9b1c3d5e7f9a"

func TestUnsealRoundTrip(t *testing.T) {
	nonce := [24]byte{1, 2, 3}
	sealed, err := Seal(map[string]string{
		"email":    "user@example.com",
		"password": "hunter2",
	}, testKey, nonce)
	require.NoError(t, err)

	u, err := NewUnsealer(testKey)
	require.NoError(t, err)

	creds, err := u.Unseal(sealed)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", creds["email"])
	require.Equal(t, "hunter2", creds["password"])
}

func TestUnsealRejectsWrongKey(t *testing.T) {
	nonce := [24]byte{9}
	sealed, err := Seal(map[string]string{"password": "hunter2"}, testKey, nonce)
	require.NoError(t, err)

	other, err := NewUnsealer(strings.Repeat("00", 32))
	require.NoError(t, err)

	_, err = other.Unseal(sealed)
	require.ErrorContains(t, err, "authentication")
}

func TestUnsealRejectsGarbage(t *testing.T) {
	u, err := NewUnsealer(testKey)
	require.NoError(t, err)

	_, err = u.Unseal("not base64 at all!!!")
	require.Error(t, err)

	_, err = u.Unseal(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorContains(t, err, "too short")
}

func TestNewUnsealerValidatesKey(t *testing.T) {
	_, err := NewUnsealer("zz")
	require.Error(t, err)

	_, err = NewUnsealer("abcd")
	require.ErrorContains(t, err, "32 bytes")
}
