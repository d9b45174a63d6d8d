package acme_test

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedops/certflow/integration/acme"
)

func TestLoadOrCreateAccountKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "account.pem")

	key, created, err := acme.LoadOrCreateAccountKey(path)
	require.NoError(t, err)
	assert.True(t, created)
	require.IsType(t, &ecdsa.PrivateKey{}, key)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// second load reuses the same key
	again, created, err := acme.LoadOrCreateAccountKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, key.(*ecdsa.PrivateKey).Equal(again))
}

func TestLoadOrCreateAccountKey_RejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "account.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, _, err := acme.LoadOrCreateAccountKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PEM block")
}
