package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proof-orchestrator/internal/models"
)

// GormStore postgres store. Insert-if-absent is ON CONFLICT DO NOTHING and
// compare-and-set is an UPDATE guarded by the prior status.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wrap an opened and migrated gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func toRow(rec *models.TaskRecord) (*models.TaskRecordRow, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return &models.TaskRecordRow{
		Fingerprint: string(rec.Fingerprint),
		Status:      string(rec.Status),
		ProofKind:   string(rec.Request.ProofKind),
		Revision:    rec.Revision,
		Data:        string(data),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func (s *GormStore) Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error) {
	row, err := toRow(rec)
	if err != nil {
		return nil, false, err
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return nil, false, unavailable("insert", result.Error)
	}
	if result.RowsAffected == 1 {
		return rec.Clone(), true, nil
	}

	existing, err := s.Get(ctx, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *GormStore) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	var row models.TaskRecordRow
	err := s.db.WithContext(ctx).Where("fingerprint = ?", string(fp)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	rec, err := decodeRecord([]byte(row.Data))
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	row, err := toRow(next)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&models.TaskRecordRow{}).
		Where("fingerprint = ? AND status = ? AND revision = ?", string(fp), string(expected), revision).
		Updates(map[string]interface{}{
			"status":     row.Status,
			"revision":   row.Revision,
			"proof_kind": row.ProofKind,
			"data":       row.Data,
			"updated_at": row.UpdatedAt,
		})
	if result.Error != nil {
		return unavailable("compare_and_swap", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.TaskRecordRow{}).Where("fingerprint = ?", string(fp)).Count(&count).Error; err != nil {
		return unavailable("compare_and_swap", err)
	}
	if count == 0 {
		return models.ErrNotFound
	}
	return models.ErrConflict
}

func (s *GormStore) Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error) {
	query := s.db.WithContext(ctx).Where("fingerprint > ?", string(after)).Order("fingerprint ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.TaskRecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, unavailable("scan", err)
	}

	out := make([]*models.TaskRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord([]byte(row.Data))
		if err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, fp models.Fingerprint) (bool, error) {
	result := s.db.WithContext(ctx).Where("fingerprint = ?", string(fp)).Delete(&models.TaskRecordRow{})
	if result.Error != nil {
		return false, unavailable("delete", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB underlying connection, for pool statistics
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
