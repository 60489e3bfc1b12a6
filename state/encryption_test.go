package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "test-key")

	plaintext := []byte(`{"version":1,"resources":{}}`)
	encrypted, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(encrypted))
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptWithoutKeyIsPassthrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"version":1}`)
	out, err := Encrypt(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.False(t, IsEncrypted(out))
}

func TestDecryptPlaintextIsPassthrough(t *testing.T) {
	content := []byte(`{"version":1}`)
	out, err := Decrypt(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestDecryptWithWrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "the right key")
	encrypted, err := Encrypt([]byte("secrets"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "the wrong key")
	_, err = Decrypt(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestDecryptWithoutKeyFails(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "a key")
	encrypted, err := Encrypt([]byte("secrets"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = Decrypt(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestEncryptionNonceVaries(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "test-key")

	a, err := Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
