package util

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	cert, err := LoadOrGenerateCert(certPath, keyPath, "gateway.home.arpa", "10.0.0.5", "")
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"localhost", "gateway.home.arpa"}, leaf.DNSNames)
	assert.True(t, leaf.IPAddresses[len(leaf.IPAddresses)-1].Equal(net.ParseIP("10.0.0.5")))
	assert.NoError(t, leaf.VerifyHostname("gateway.home.arpa"))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Run("existing files are loaded", func(t *testing.T) {
		again, err := LoadOrGenerateCert(certPath, keyPath)
		require.NoError(t, err)
		assert.Equal(t, cert.Certificate[0], again.Certificate[0])
	})
}

func TestLoadOrGenerateCert_CorruptPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not pem"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not pem"), 0o600))

	_, err := LoadOrGenerateCert(certPath, keyPath)
	assert.ErrorContains(t, err, "load key pair")
}

func TestLoadOrGenerateCert_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := LoadOrGenerateCert(filepath.Join(file, "tls.crt"), filepath.Join(file, "tls.key"))
	assert.Error(t, err)
}
