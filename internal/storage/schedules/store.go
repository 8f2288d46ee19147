// Package schedules persists schedules and their event history in sqlite through gorm.
package schedules

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const DefaultFileName = "satstacker.db"

type txKey struct{}

// Store is the durable schedule and event store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database handle")
	}
	// sqlite allows a single writer; transactions are passed through the context instead
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&scheduleModel{}, &eventModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrate database")
	}

	logger.Info("schedule store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InTx runs fn inside a transaction carried by the context passed to fn.
// Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// CreateSchedule inserts a schedule and assigns its ID.
func (s *Store) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	m := scheduleFromDomain(*schedule)
	m.ID = 0
	if err := s.conn(ctx).Create(&m).Error; err != nil {
		return domain.WrapInfrastructure(err, "insert schedule")
	}
	schedule.ID = m.ID
	return nil
}

// GetSchedule loads a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	var m scheduleModel
	err := s.conn(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Schedule{}, domain.NewNotFoundError(id)
	}
	if err != nil {
		return domain.Schedule{}, domain.WrapInfrastructure(err, "load schedule")
	}
	return m.toDomain(), nil
}

// ListSchedules returns every schedule ordered by ID.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var models []scheduleModel
	if err := s.conn(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, domain.WrapInfrastructure(err, "list schedules")
	}

	out := make([]domain.Schedule, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// SetPaused updates the paused flag of a schedule.
func (s *Store) SetPaused(ctx context.Context, id int64, paused bool) error {
	res := s.conn(ctx).Model(&scheduleModel{}).Where("id = ?", id).Update("is_paused", paused)
	if res.Error != nil {
		return domain.WrapInfrastructure(res.Error, "update schedule")
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError(id)
	}
	return nil
}

// DeleteSchedule removes a schedule together with its events.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Where("schedule_id = ?", id).Delete(&eventModel{}).Error; err != nil {
			return domain.WrapInfrastructure(err, "delete schedule events")
		}

		res := s.conn(ctx).Where("id = ?", id).Delete(&scheduleModel{})
		if res.Error != nil {
			return domain.WrapInfrastructure(res.Error, "delete schedule")
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFoundError(id)
		}
		return nil
	})
}

// AppendEvents stores events and assigns their IDs.
func (s *Store) AppendEvents(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	models := make([]eventModel, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		m := eventFromDomain(*e)
		m.ID = 0
		models = append(models, m)
	}

	if err := s.conn(ctx).Create(&models).Error; err != nil {
		return domain.WrapInfrastructure(err, "insert events")
	}

	for i := range events {
		events[i].ID = models[i].ID
	}
	return nil
}

// ListEvents returns the history of a schedule ordered by timestamp then ID.
func (s *Store) ListEvents(ctx context.Context, scheduleID int64) ([]domain.Event, error) {
	var models []eventModel
	err := s.conn(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("timestamp").Order("id").
		Find(&models).Error
	if err != nil {
		return nil, domain.WrapInfrastructure(err, "list events")
	}

	return toEvents(models), nil
}

// EventsByKind returns all events of a kind grouped by schedule.
func (s *Store) EventsByKind(ctx context.Context, kind domain.EventKind) (map[int64][]domain.Event, error) {
	var models []eventModel
	err := s.conn(ctx).
		Where("type = ?", string(kind)).
		Order("timestamp").Order("id").
		Find(&models).Error
	if err != nil {
		return nil, domain.WrapInfrastructure(err, "list events by kind")
	}

	out := make(map[int64][]domain.Event)
	for _, e := range toEvents(models) {
		out[e.ScheduleID] = append(out[e.ScheduleID], e)
	}
	return out, nil
}

func toEvents(models []eventModel) []domain.Event {
	out := make([]domain.Event, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out
}
