package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIssuerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca", "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca", "ca-key.pem")

	first, err := LoadOrCreateIssuer(certPath, keyPath)
	require.NoError(t, err)
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)

	cred, err := first.Issue("fence/test/abc", 15*time.Minute)
	require.NoError(t, err)

	second, err := LoadOrCreateIssuer(certPath, keyPath)
	require.NoError(t, err)

	// Same CA after reload, so earlier credentials still chain to it.
	assert.Equal(t, first.CACertificatePEM(), second.CACertificatePEM())
	assert.Contains(t, cred.CertificatePEM, "BEGIN CERTIFICATE")
}
