package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgeCipherRoundTrip(t *testing.T) {
	secretKey, recipient, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(recipient, "age1"))

	c, err := ParseAgeCipher(secretKey)
	require.NoError(t, err)

	sealed, err := c.Seal("hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, Prefix))
	assert.NotContains(t, sealed, "hello")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened)

	plain, err := c.Open("legacy plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy plaintext", plain)
}

func TestAgeCipherWrongKey(t *testing.T) {
	k1, _, err := GenerateKey()
	require.NoError(t, err)
	k2, _, err := GenerateKey()
	require.NoError(t, err)

	c1, err := ParseAgeCipher(k1)
	require.NoError(t, err)
	c2, err := ParseAgeCipher(k2)
	require.NoError(t, err)

	sealed, err := c1.Seal("secret")
	require.NoError(t, err)
	_, err = c2.Open(sealed)
	assert.Error(t, err)
}

func TestNewFromFile(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.IsType(t, NopCipher{}, c)

	secretKey, _, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(path, []byte("# created for test\n"+secretKey+"\n"), 0o600))

	c, err = New(path)
	require.NoError(t, err)
	sealed, err := c.Seal("x")
	require.NoError(t, err)
	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", opened)
}
