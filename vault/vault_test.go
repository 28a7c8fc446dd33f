package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	v, err := New("correct-horse-battery-staple")
	require.NoError(t, err)

	cases := []string{"a", "super-secret-bmc-password", "unicode-пароль-密码"}
	for _, plaintext := range cases {
		encoded, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEmpty(t, encoded)

		decoded, err := v.Decrypt(encoded)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decoded)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v, err := New("master-key")
	require.NoError(t, err)

	encoded, err := v.Encrypt("hunter2")
	require.NoError(t, err)

	tampered := strings.Replace(encoded, encoded[len(encoded)-4:], "AAAA", 1)

	_, err = v.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptMalformedInputFails(t *testing.T) {
	v, err := New("master-key")
	require.NoError(t, err)

	_, err = v.Decrypt("not-valid-base64!!!")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = v.Decrypt("c2hvcnQ=") // valid base64, too short to contain iv+tag
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptWithDifferentMasterKeyFails(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	encoded, err := v1.Encrypt("shared-plaintext")
	require.NoError(t, err)

	_, err = v2.Decrypt(encoded)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestNewRejectsEmptyMaster(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
