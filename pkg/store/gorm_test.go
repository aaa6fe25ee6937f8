package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mesh-maas/pkg/model"
)

// sqlRecorder captures the statements gorm renders.
type sqlRecorder struct{ stmts []string }

func (r *sqlRecorder) LogMode(logger.LogLevel) logger.Interface { return r }

func (r *sqlRecorder) Info(context.Context, string, ...interface{}) {}

func (r *sqlRecorder) Warn(context.Context, string, ...interface{}) {}

func (r *sqlRecorder) Error(context.Context, string, ...interface{}) {}

func (r *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	stmt, _ := fc()
	r.stmts = append(r.stmts, stmt)
}

func (r *sqlRecorder) last(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, r.stmts)
	return r.stmts[len(r.stmts)-1]
}

// dryRunGorm renders MySQL statements without a server.
func dryRunGorm(t *testing.T) (*GormStore, *sqlRecorder) {
	t.Helper()
	rec := &sqlRecorder{}
	gdb, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "maas:secret@tcp(127.0.0.1:3306)/mesh_maas?parseTime=True&loc=UTC",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true, Logger: rec})
	require.NoError(t, err)
	return NewGormStore(gdb), rec
}

func TestGormAckUpsertOverwritesStatus(t *testing.T) {
	s, rec := dryRunGorm(t)
	require.NoError(t, s.SaveAck(context.Background(), model.Acknowledgment{
		PlaybookID: "pbk-1", NodeID: "node-a", Status: "failed", AcknowledgedAt: time.Now(),
	}))
	stmt := rec.last(t)
	assert.Contains(t, stmt, "INSERT INTO `playbook_acks`")
	assert.Contains(t, stmt, "ON DUPLICATE KEY UPDATE `status`=VALUES(`status`),`acknowledged_at`=VALUES(`acknowledged_at`)")
}

func TestGormInsertsKeepFirstWrite(t *testing.T) {
	ctx := context.Background()
	s, rec := dryRunGorm(t)

	require.NoError(t, s.SavePlaybook(ctx, samplePlaybook("pbk-1", "mesh-1", time.Now(), time.Hour)))
	stmt := rec.last(t)
	assert.Contains(t, stmt, "INSERT INTO `playbooks`")
	assert.Contains(t, stmt, "ON DUPLICATE KEY UPDATE `id`=`id`")
	assert.NotContains(t, stmt, "VALUES(`payload`)")

	require.NoError(t, s.SaveDelivery(ctx, model.DeliveryRecord{PlaybookID: "pbk-1", NodeID: "node-a", DeliveredAt: time.Now()}))
	stmt = rec.last(t)
	assert.Contains(t, stmt, "INSERT INTO `playbook_deliveries`")
	assert.NotContains(t, stmt, "VALUES(`delivered_at`)")
}

func TestGormMarketplaceStatements(t *testing.T) {
	ctx := context.Background()
	s, rec := dryRunGorm(t)

	require.NoError(t, s.SaveListing(ctx, model.Listing{ID: "lst-1", OwnerID: "seller", NodeID: "n", Status: model.ListingEscrow}))
	stmt := rec.last(t)
	assert.Contains(t, stmt, "`status`=VALUES(`status`)")
	assert.Contains(t, stmt, "`mesh_id`=VALUES(`mesh_id`)")
	assert.NotContains(t, stmt, "`owner_id`=VALUES(`owner_id`)")

	at := time.Now()
	require.NoError(t, s.SaveEscrow(ctx, model.Escrow{ID: "esc-1", ListingID: "lst-1", Status: model.EscrowReleased, ReleasedAt: &at}))
	assert.Contains(t, rec.last(t), "`released_at`=VALUES(`released_at`)")

	_, _, _ = s.FindHeldEscrow(ctx, "lst-1")
	stmt = rec.last(t)
	assert.Contains(t, stmt, "listing_id = 'lst-1' AND status = 'held'")
	assert.Contains(t, stmt, "ORDER BY created_at desc")

	require.NoError(t, s.DeleteListing(ctx, "lst-1"))
	assert.Contains(t, rec.last(t), "DELETE FROM `listings` WHERE id = 'lst-1'")
}

func TestGormListAuditReadsNewestFirst(t *testing.T) {
	s, rec := dryRunGorm(t)
	_, err := s.ListAudit(context.Background(), 5)
	require.NoError(t, err)
	assert.Contains(t, rec.last(t), "ORDER BY id desc LIMIT 5")
}

// duplicateConn fails every insert the way MySQL reports a unique key clash.
type duplicateConn struct{}

func (duplicateConn) PrepareContext(context.Context, string) (*sql.Stmt, error) {
	return nil, errors.New("not supported")
}

func (duplicateConn) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'root' for key 'users.username'"}
}

func (duplicateConn) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (duplicateConn) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }

func TestGormDuplicateUserMapsToErrDuplicate(t *testing.T) {
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: duplicateConn{}, SkipInitializeWithVersion: true}),
		&gorm.Config{TranslateError: true, DisableAutomaticPing: true, Logger: logger.Discard})
	require.NoError(t, err)
	err = NewGormStore(gdb).CreateUser(context.Background(), &model.User{Username: "root", PasswordHash: "h", Role: model.RoleAdmin})
	assert.ErrorIs(t, err, ErrDuplicate)
}

// openTestMySQL connects to MAAS_TEST_MYSQL_DSN with empty tables, or
// returns nil when the variable is unset.
func openTestMySQL(t *testing.T) Backend {
	t.Helper()
	dsn := os.Getenv("MAAS_TEST_MYSQL_DSN")
	if dsn == "" {
		return nil
	}
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, MigrateGorm(gdb))
	for _, table := range []string{"playbooks", "playbook_acks", "playbook_deliveries", "listings", "escrows", "audit_log", "users"} {
		require.NoError(t, gdb.Exec("DELETE FROM "+table).Error)
	}
	s := NewGormStore(gdb)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
