package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_NoCertificate(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.True(t, errors.Is(err, ErrNoCertificate))

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.True(t, errors.Is(err, ErrNoCertificate))
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c := Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"}

	cfg, err := Setup(c)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "localhost")

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ca, err := os.ReadFile(c.CAFile())
	require.NoError(t, err)
	pool := x509.NewCertPool()
	assert.True(t, pool.AppendCertsFromPEM(ca))

	// Existing files are reused.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(c)
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generate(Config{Dir: dir, CommonName: "lux.local"}))

	cfg, err := Setup(Config{
		Enabled:  true,
		CertFile: filepath.Join(dir, tlsCrt),
		KeyFile:  filepath.Join(dir, tlsKey),
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("TLS1.3")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS13), v)
	_, ok = parseTLSVersion("1.0")
	assert.False(t, ok)
}

func TestCAFile(t *testing.T) {
	assert.Empty(t, Config{}.CAFile())
	assert.Equal(t, filepath.Join("x", tlsCaCrt), Config{Dir: "x"}.CAFile())
}
