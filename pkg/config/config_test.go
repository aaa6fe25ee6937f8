package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
signing:
  algorithm: ed25519
  secret: from-file
store:
  type: sqlite
  sqlite_path: /var/lib/maas/state.db
  timeout: 5s
log:
  level: debug
`), 0o600))

	t.Setenv("MAAS_SIGNING_SECRET", "from-env")
	t.Setenv("MAAS_STORE_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "ed25519", cfg.Signing.Algorithm)
	assert.Equal(t, "from-env", cfg.Signing.Secret)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, "/var/lib/maas/state.db", cfg.Store.SQLitePath)
	assert.Equal(t, 750*time.Millisecond, cfg.Store.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched defaults survive a partial file
	assert.Equal(t, "127.0.0.1:8500", cfg.Store.ConsulAddr)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("MAAS_STORE_TIMEOUT", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ok := Default()
	ok.Signing.Secret = "x"
	require.NoError(t, ok.Validate())

	cases := map[string]func(*Config){
		"store type":   func(c *Config) { c.Store.Type = "redis" },
		"no secret":    func(c *Config) { c.Signing.Secret = "" },
		"half tls":     func(c *Config) { c.TLS.CertFile = "cert.pem" },
		"sqlite path":  func(c *Config) { c.Store.Type = StoreSQLite; c.Store.SQLitePath = "" },
		"zero timeout": func(c *Config) { c.Store.Timeout = 0 },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok
			mod(&c)
			assert.Error(t, c.Validate())
		})
	}
}
