package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mesh-maas/pkg/model"
)

type playbookRow struct {
	ID          string `gorm:"primaryKey;size:32"`
	MeshID      string `gorm:"size:128;index:idx_playbook_mesh"`
	Name        string `gorm:"size:255"`
	Payload     string `gorm:"type:text"`
	Signature   string `gorm:"type:text"`
	Algorithm   string `gorm:"size:32"`
	TargetNodes string `gorm:"type:text"`
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index:idx_playbook_mesh"`
}

func (playbookRow) TableName() string { return "playbooks" }

type ackRow struct {
	PlaybookID     string `gorm:"primaryKey;size:32"`
	NodeID         string `gorm:"primaryKey;size:128"`
	Status         string `gorm:"size:64"`
	AcknowledgedAt time.Time
}

func (ackRow) TableName() string { return "playbook_acks" }

type deliveryRow struct {
	PlaybookID  string `gorm:"primaryKey;size:32"`
	NodeID      string `gorm:"primaryKey;size:128"`
	DeliveredAt time.Time
}

func (deliveryRow) TableName() string { return "playbook_deliveries" }

type listingRow struct {
	ID            string `gorm:"primaryKey;size:32"`
	OwnerID       string `gorm:"size:128"`
	NodeID        string `gorm:"size:128;index"`
	Region        string `gorm:"size:32"`
	PricePerHour  float64
	BandwidthMbps int
	Status        string `gorm:"size:16"`
	RenterID      string `gorm:"size:128"`
	MeshID        string `gorm:"size:128"`
	CreatedAt     time.Time
}

func (listingRow) TableName() string { return "listings" }

type escrowRow struct {
	ID          string `gorm:"primaryKey;size:32"`
	ListingID   string `gorm:"size:32;index:idx_escrow_listing"`
	RenterID    string `gorm:"size:128"`
	AmountCents int64
	Status      string `gorm:"size:16;index:idx_escrow_listing"`
	CreatedAt   time.Time
	ReleasedAt  *time.Time
}

func (escrowRow) TableName() string { return "escrows" }

type auditRow struct {
	ID        uint   `gorm:"primaryKey"`
	Actor     string `gorm:"size:128"`
	Action    string `gorm:"size:64"`
	Target    string `gorm:"size:128"`
	Detail    string `gorm:"type:text"`
	Timestamp time.Time
}

func (auditRow) TableName() string { return "audit_log" }

// MigrateGorm creates or updates every table the GormStore uses.
func MigrateGorm(db *gorm.DB) error {
	return db.AutoMigrate(&playbookRow{}, &ackRow{}, &deliveryRow{}, &listingRow{}, &escrowRow{}, &auditRow{}, &model.User{})
}

// GormStore is the SQL-database backend (MySQL in production).
type GormStore struct {
	db *gorm.DB
}

var _ Backend = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) SavePlaybook(ctx context.Context, p model.Playbook) error {
	targets, err := json.Marshal(p.TargetNodes)
	if err != nil {
		return err
	}
	row := playbookRow{
		ID:          p.ID,
		MeshID:      p.MeshID,
		Name:        p.Name,
		Payload:     p.Payload,
		Signature:   p.Signature,
		Algorithm:   p.Algorithm,
		TargetNodes: string(targets),
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *GormStore) GetPlaybook(ctx context.Context, id string) (model.Playbook, bool, error) {
	var row playbookRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Playbook{}, false, nil
	}
	if err != nil {
		return model.Playbook{}, false, err
	}
	p, err := row.toModel()
	return p, err == nil, err
}

func (s *GormStore) FindUnexpiredByMesh(ctx context.Context, meshID string, now time.Time) ([]model.Playbook, error) {
	var rows []playbookRow
	err := s.db.WithContext(ctx).
		Where("mesh_id = ? AND expires_at > ?", meshID, now).
		Order("created_at, id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return playbookRows(rows)
}

func (s *GormStore) ListPlaybooksByMesh(ctx context.Context, meshID string) ([]model.Playbook, error) {
	var rows []playbookRow
	if err := s.db.WithContext(ctx).Where("mesh_id = ?", meshID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return playbookRows(rows)
}

func (s *GormStore) SaveAck(ctx context.Context, a model.Acknowledgment) error {
	row := ackRow{PlaybookID: a.PlaybookID, NodeID: a.NodeID, Status: a.Status, AcknowledgedAt: a.AcknowledgedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "playbook_id"}, {Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "acknowledged_at"}),
	}).Create(&row).Error
}

func (s *GormStore) ListAcks(ctx context.Context, playbookID string) ([]model.Acknowledgment, error) {
	var rows []ackRow
	if err := s.db.WithContext(ctx).Where("playbook_id = ?", playbookID).Order("node_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Acknowledgment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *GormStore) SaveDelivery(ctx context.Context, d model.DeliveryRecord) error {
	row := deliveryRow{PlaybookID: d.PlaybookID, NodeID: d.NodeID, DeliveredAt: d.DeliveredAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *GormStore) ListDeliveries(ctx context.Context, playbookID string) ([]model.DeliveryRecord, error) {
	var rows []deliveryRow
	if err := s.db.WithContext(ctx).Where("playbook_id = ?", playbookID).Order("node_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DeliveryRecord{PlaybookID: r.PlaybookID, NodeID: r.NodeID, DeliveredAt: r.DeliveredAt.UTC()})
	}
	return out, nil
}

func (s *GormStore) SaveListing(ctx context.Context, l model.Listing) error {
	row := listingRow(l)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "renter_id", "mesh_id", "price_per_hour", "bandwidth_mbps", "region"}),
	}).Create(&row).Error
}

func (s *GormStore) GetListing(ctx context.Context, id string) (model.Listing, bool, error) {
	var row listingRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Listing{}, false, nil
	}
	if err != nil {
		return model.Listing{}, false, err
	}
	return row.toModel(), true, nil
}

func (s *GormStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	var rows []listingRow
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Listing, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *GormStore) DeleteListing(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&listingRow{}).Error
}

func (s *GormStore) SaveEscrow(ctx context.Context, e model.Escrow) error {
	row := escrowRow(e)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "released_at"}),
	}).Create(&row).Error
}

func (s *GormStore) FindHeldEscrow(ctx context.Context, listingID string) (model.Escrow, bool, error) {
	var row escrowRow
	err := s.db.WithContext(ctx).
		Where("listing_id = ? AND status = ?", listingID, model.EscrowHeld).
		Order("created_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Escrow{}, false, nil
	}
	if err != nil {
		return model.Escrow{}, false, err
	}
	e := model.Escrow(row)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, true, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	row := auditRow{Actor: e.Actor, Action: e.Action, Target: e.Target, Detail: e.Detail, Timestamp: e.Timestamp}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var rows []auditRow
	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		out = append(out, model.AuditEntry{Actor: r.Actor, Action: r.Action, Target: r.Target, Detail: r.Detail, Timestamp: r.Timestamp})
	}
	return out, nil
}

func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error
	return count, err
}

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *GormStore) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, err
	}
	return u, true, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r playbookRow) toModel() (model.Playbook, error) {
	p := model.Playbook{
		ID:        r.ID,
		MeshID:    r.MeshID,
		Name:      r.Name,
		Payload:   r.Payload,
		Signature: r.Signature,
		Algorithm: r.Algorithm,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.TargetNodes), &p.TargetNodes); err != nil {
		return model.Playbook{}, fmt.Errorf("decode target nodes of %s: %w", r.ID, err)
	}
	return p, nil
}

func playbookRows(rows []playbookRow) ([]model.Playbook, error) {
	out := make([]model.Playbook, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r ackRow) toModel() model.Acknowledgment {
	return model.Acknowledgment{
		PlaybookID:     r.PlaybookID,
		NodeID:         r.NodeID,
		Status:         r.Status,
		AcknowledgedAt: r.AcknowledgedAt.UTC(),
	}
}

func (r listingRow) toModel() model.Listing {
	l := model.Listing(r)
	l.CreatedAt = l.CreatedAt.UTC()
	return l
}
