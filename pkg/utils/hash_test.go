package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyHMACSHA256(t *testing.T) {
	secret := []byte("It's a Secret to Everybody")
	body := []byte("Hello, World!")

	// Reference vector from the GitHub webhook documentation.
	const want = "sha256=757107ea0eb2509fc211221cce984b8a37570b6d7586c22c46f4379c8b043e17"
	require.Equal(t, want, SignHMACSHA256(secret, body))
	require.True(t, VerifyHMACSHA256(secret, body, want))

	require.False(t, VerifyHMACSHA256(secret, []byte("Hello, World?"), want))
	require.False(t, VerifyHMACSHA256([]byte("other"), body, want))
	require.False(t, VerifyHMACSHA256(secret, body, ""))
	require.False(t, VerifyHMACSHA256(secret, body, "sha1=757107ea"))
	require.False(t, VerifyHMACSHA256(secret, body, "sha256=zz"))
}

func TestHexSHA256(t *testing.T) {
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HexSHA256(nil))
}
