package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/invoiceledger/internal/ledger"
	"github.com/punchamoorthee/invoiceledger/internal/oracle"
)

func TestLoad_PostgresRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORE_DRIVER", DriverPostgres)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ledger.DefaultPolicy(), cfg.Policy())
	assert.False(t, cfg.DocumentStoreEnabled())
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: sqlite
sqlite_path: /tmp/ledger.db
originator_share_bps: 7000
refund_policy: none
credit_tiers:
  - min_score: 0
    max_amount: 500
  - min_score: 700
    max_amount: 9000
minio:
  endpoint: localhost:9000
  bucket: docs
`), 0o600))

	t.Setenv("ORIGINATOR_SHARE_BPS", "7500")
	t.Setenv("MINIO_ACCESS_KEY", "ak")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/ledger.db", cfg.SQLitePath)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(7500), cfg.OriginatorShareBps, "environment wins over file")
	assert.Equal(t, ledger.RefundNone, cfg.Policy().RefundPolicy)
	assert.Equal(t, []oracle.Tier{{MinScore: 0, MaxAmount: 500}, {MinScore: 700, MaxAmount: 9000}}, cfg.CreditTiers)

	mc := cfg.MinioStoreConfig()
	assert.True(t, cfg.DocumentStoreEnabled())
	assert.Equal(t, "localhost:9000", mc.Endpoint)
	assert.Equal(t, "docs", mc.Bucket)
	assert.Equal(t, "ak", mc.AccessKey)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "mongo"
	cfg.OriginatorShareBps = 20000
	cfg.RefundPolicy = "later"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
	assert.Contains(t, err.Error(), "originator share")
}
