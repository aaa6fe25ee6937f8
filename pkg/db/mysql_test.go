package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSNFromEnv(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("MYSQL_PORT", "3307")
	t.Setenv("MYSQL_USER", "maas")
	t.Setenv("MYSQL_PASS", "pw")
	t.Setenv("MYSQL_DB", "maas_test")
	assert.Equal(t, "maas:pw@tcp(db.internal:3307)/maas_test?charset=utf8mb4&parseTime=True&loc=UTC", DSNFromEnv())

	t.Setenv("MYSQL_DSN", "u:p@tcp(x:1)/y")
	assert.Equal(t, "u:p@tcp(x:1)/y", DSNFromEnv())
}
