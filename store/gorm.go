package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultGormTableName = "mongolock_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormRecord is the row layout: key_id is the primary key, and the fields of
// a free record are stored as NULLs.
type gormRecord struct {
	Key     string     `gorm:"primaryKey;column:key_id"`
	Locked  bool       `gorm:"column:locked"`
	Owner   *string    `gorm:"column:owner"`
	Created *time.Time `gorm:"column:created"`
	Expire  *time.Time `gorm:"column:expire"`
}

// Gorm implements Backend on a SQL database through GORM. A single UPDATE
// with the predicate in its WHERE clause is the database's atomic
// conditional write, and the driver's affected-row count is the affected
// count.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a Gorm backend.
type GormOption func(*gormOptions)

type gormOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the backend.
func WithGormTableName(name string) GormOption {
	return func(o *gormOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormOptions) {
		o.timeout = d
	}
}

// NewGorm returns a Gorm backend using the provided GORM DB connection.
func NewGorm(db *gorm.DB, opts ...GormOption) *Gorm {
	o := gormOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(o.tableName) {
		_ = db.Table(o.tableName).AutoMigrate(&gormRecord{})
	}

	return &Gorm{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
	}
}

func toGormRecord(rec Record) gormRecord {
	row := gormRecord{Key: rec.Key, Locked: rec.Locked}
	if rec.Owner != "" {
		row.Owner = &rec.Owner
	}
	if !rec.Created.IsZero() {
		created := rec.Created
		row.Created = &created
	}
	if !rec.Expire.IsZero() {
		expire := rec.Expire
		row.Expire = &expire
	}
	return row
}

func (row gormRecord) toRecord() Record {
	rec := Record{Key: row.Key, Locked: row.Locked}
	if row.Owner != nil {
		rec.Owner = *row.Owner
	}
	if row.Created != nil {
		rec.Created = *row.Created
	}
	if row.Expire != nil {
		rec.Expire = *row.Expire
	}
	return rec
}

// Insert implements Backend.Insert.
func (s *Gorm) Insert(ctx context.Context, rec Record) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := toGormRecord(rec)
	res := s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *Gorm) where(tx *gorm.DB, f Filter) *gorm.DB {
	tx = tx.Where("key_id = ?", f.Key)
	if f.Owner != nil {
		tx = tx.Where("owner = ?", *f.Owner)
	}
	if f.IfLocked != nil {
		tx = tx.Where("locked = ?", *f.IfLocked)
	}
	if !f.FreeOrExpiredAt.IsZero() {
		tx = tx.Where("(locked = ? OR (expire IS NOT NULL AND expire < ?))", false, f.FreeOrExpiredAt)
	}
	return tx
}

// Update implements Backend.Update.
func (s *Gorm) Update(ctx context.Context, f Filter, mut Mutation) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var values map[string]interface{}
	if mut.Replace != nil {
		row := toGormRecord(*mut.Replace)
		values = map[string]interface{}{
			"locked":  row.Locked,
			"owner":   row.Owner,
			"created": row.Created,
			"expire":  row.Expire,
		}
	} else {
		values = map[string]interface{}{"expire": mut.SetExpire}
	}

	res := s.where(s.db.WithContext(cctx).Table(s.tableName), f).Updates(values)
	return res.RowsAffected, res.Error
}

// FindOne implements Backend.FindOne.
func (s *Gorm) FindOne(ctx context.Context, f Filter) (*Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormRecord
	err := s.where(s.db.WithContext(cctx).Table(s.tableName), f).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := row.toRecord()
	return &rec, nil
}
