package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mesh-maas/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS playbooks(
	id TEXT PRIMARY KEY,
	mesh_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload TEXT NOT NULL,
	signature TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	target_nodes TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playbooks_mesh ON playbooks(mesh_id, expires_at);
CREATE TABLE IF NOT EXISTS playbook_acks(
	playbook_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	acknowledged_at INTEGER NOT NULL,
	PRIMARY KEY(playbook_id, node_id)
);
CREATE TABLE IF NOT EXISTS playbook_deliveries(
	playbook_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	delivered_at INTEGER NOT NULL,
	PRIMARY KEY(playbook_id, node_id)
);
CREATE TABLE IF NOT EXISTS listings(
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	region TEXT NOT NULL,
	price_per_hour REAL NOT NULL,
	bandwidth_mbps INTEGER NOT NULL,
	status TEXT NOT NULL,
	renter_id TEXT NOT NULL DEFAULT '',
	mesh_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS escrows(
	id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL,
	renter_id TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	released_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_escrows_listing ON escrows(listing_id, status);
CREATE TABLE IF NOT EXISTS audit_log(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT, action TEXT, target TEXT, detail TEXT, ts INTEGER
);
CREATE TABLE IF NOT EXISTS users(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`

// SQLiteStore persists playbooks, acknowledgments, deliveries and the
// marketplace in a local SQLite file (pure-Go driver, no cgo).
type SQLiteStore struct {
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SavePlaybook(ctx context.Context, p model.Playbook) error {
	targets, err := json.Marshal(p.TargetNodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO playbooks(id, mesh_id, name, payload, signature, algorithm, target_nodes, created_at, expires_at)
		 VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.MeshID, p.Name, p.Payload, p.Signature, p.Algorithm, string(targets),
		p.CreatedAt.UnixNano(), p.ExpiresAt.UnixNano())
	return err
}

const playbookColumns = `id, mesh_id, name, payload, signature, algorithm, target_nodes, created_at, expires_at`

func (s *SQLiteStore) GetPlaybook(ctx context.Context, id string) (model.Playbook, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id=?`, id)
	p, err := scanPlaybook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Playbook{}, false, nil
	}
	if err != nil {
		return model.Playbook{}, false, err
	}
	return p, true, nil
}

func (s *SQLiteStore) FindUnexpiredByMesh(ctx context.Context, meshID string, now time.Time) ([]model.Playbook, error) {
	return s.queryPlaybooks(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE mesh_id=? AND expires_at>? ORDER BY created_at, id`,
		meshID, now.UnixNano())
}

func (s *SQLiteStore) ListPlaybooksByMesh(ctx context.Context, meshID string) ([]model.Playbook, error) {
	return s.queryPlaybooks(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE mesh_id=? ORDER BY created_at, id`, meshID)
}

func (s *SQLiteStore) queryPlaybooks(ctx context.Context, query string, args ...interface{}) ([]model.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Playbook{}
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaybook(sc scanner) (model.Playbook, error) {
	var (
		p                  model.Playbook
		targets            string
		created, expiresAt int64
	)
	if err := sc.Scan(&p.ID, &p.MeshID, &p.Name, &p.Payload, &p.Signature, &p.Algorithm, &targets, &created, &expiresAt); err != nil {
		return model.Playbook{}, err
	}
	if err := json.Unmarshal([]byte(targets), &p.TargetNodes); err != nil {
		return model.Playbook{}, fmt.Errorf("decode target nodes of %s: %w", p.ID, err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return p, nil
}

func (s *SQLiteStore) SaveAck(ctx context.Context, a model.Acknowledgment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playbook_acks(playbook_id, node_id, status, acknowledged_at) VALUES(?,?,?,?)
		 ON CONFLICT(playbook_id, node_id) DO UPDATE SET status=excluded.status, acknowledged_at=excluded.acknowledged_at`,
		a.PlaybookID, a.NodeID, a.Status, a.AcknowledgedAt.UnixNano())
	return err
}

func (s *SQLiteStore) ListAcks(ctx context.Context, playbookID string) ([]model.Acknowledgment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status, acknowledged_at FROM playbook_acks WHERE playbook_id=? ORDER BY node_id`, playbookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Acknowledgment{}
	for rows.Next() {
		a := model.Acknowledgment{PlaybookID: playbookID}
		var ts int64
		if err := rows.Scan(&a.NodeID, &a.Status, &ts); err != nil {
			return nil, err
		}
		a.AcknowledgedAt = time.Unix(0, ts).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDelivery(ctx context.Context, d model.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playbook_deliveries(playbook_id, node_id, delivered_at) VALUES(?,?,?)
		 ON CONFLICT(playbook_id, node_id) DO NOTHING`,
		d.PlaybookID, d.NodeID, d.DeliveredAt.UnixNano())
	return err
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, playbookID string) ([]model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, delivered_at FROM playbook_deliveries WHERE playbook_id=? ORDER BY node_id`, playbookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DeliveryRecord{}
	for rows.Next() {
		d := model.DeliveryRecord{PlaybookID: playbookID}
		var ts int64
		if err := rows.Scan(&d.NodeID, &ts); err != nil {
			return nil, err
		}
		d.DeliveredAt = time.Unix(0, ts).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

const listingColumns = `id, owner_id, node_id, region, price_per_hour, bandwidth_mbps, status, renter_id, mesh_id, created_at`

func (s *SQLiteStore) SaveListing(ctx context.Context, l model.Listing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings(`+listingColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, renter_id=excluded.renter_id, mesh_id=excluded.mesh_id,
		 price_per_hour=excluded.price_per_hour, bandwidth_mbps=excluded.bandwidth_mbps, region=excluded.region`,
		l.ID, l.OwnerID, l.NodeID, l.Region, l.PricePerHour, l.BandwidthMbps, l.Status, l.RenterID, l.MeshID,
		l.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) GetListing(ctx context.Context, id string) (model.Listing, bool, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Listing{}, false, nil
	}
	if err != nil {
		return model.Listing{}, false, err
	}
	return l, true, nil
}

func (s *SQLiteStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanListing(sc scanner) (model.Listing, error) {
	var (
		l       model.Listing
		created int64
	)
	if err := sc.Scan(&l.ID, &l.OwnerID, &l.NodeID, &l.Region, &l.PricePerHour, &l.BandwidthMbps,
		&l.Status, &l.RenterID, &l.MeshID, &created); err != nil {
		return model.Listing{}, err
	}
	l.CreatedAt = time.Unix(0, created).UTC()
	return l, nil
}

func (s *SQLiteStore) DeleteListing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE id=?`, id)
	return err
}

func (s *SQLiteStore) SaveEscrow(ctx context.Context, e model.Escrow) error {
	var released sql.NullInt64
	if e.ReleasedAt != nil {
		released = sql.NullInt64{Int64: e.ReleasedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escrows(id, listing_id, renter_id, amount_cents, status, created_at, released_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, released_at=excluded.released_at`,
		e.ID, e.ListingID, e.RenterID, e.AmountCents, e.Status, e.CreatedAt.UnixNano(), released)
	return err
}

func (s *SQLiteStore) FindHeldEscrow(ctx context.Context, listingID string) (model.Escrow, bool, error) {
	var (
		e        model.Escrow
		created  int64
		released sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, listing_id, renter_id, amount_cents, status, created_at, released_at
		 FROM escrows WHERE listing_id=? AND status=? ORDER BY created_at DESC LIMIT 1`,
		listingID, model.EscrowHeld).
		Scan(&e.ID, &e.ListingID, &e.RenterID, &e.AmountCents, &e.Status, &created, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Escrow{}, false, nil
	}
	if err != nil {
		return model.Escrow{}, false, err
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	if released.Valid {
		at := time.Unix(0, released.Int64).UTC()
		e.ReleasedAt = &at
	}
	return e, true, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(actor, action, target, detail, ts) VALUES(?,?,?,?,?)`,
		e.Actor, e.Action, e.Target, e.Detail, e.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, action, target, detail, ts FROM (
			SELECT id, actor, action, target, detail, ts FROM audit_log ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		var ts int64
		if err := rows.Scan(&e.Actor, &e.Action, &e.Target, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, role, created_at) VALUES(?,?,?,?)`,
		u.Username, u.PasswordHash, u.Role, u.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = uint(id)
	return nil
}

func (s *SQLiteStore) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	var (
		u  model.User
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, err
	}
	u.CreatedAt = time.Unix(0, ts).UTC()
	return u, true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
