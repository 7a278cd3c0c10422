package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// Storage is the PostgreSQL Store, accessed through gorm.
type Storage struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*Storage)(nil)

// New opens the database, verifies connectivity and, when configured,
// migrates the schema.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql handle")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Storage{db: db, logger: logger.Named("storage")}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates every table.
func (s *Storage) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&models.Host{},
		&models.IPPoolEntry{},
		&models.PortPoolEntry{},
		&models.Allocation{},
		&models.Blueprint{},
		&models.Server{},
		&models.AuditEntry{},
	)
	if err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	s.logger.Info("schema migrated")
	return nil
}

// Tx runs fn inside a transaction that rolls back when fn fails.
func (s *Storage) Tx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgTx{db: tx})
	})
}

func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping postgres")
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql handle")
	}
	return sqlDB.Close()
}

// notFound maps gorm's missing-row error to the errdefs class.
func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errdefs.NotFound("%s %s not found", kind, id)
	}
	return errors.Wrapf(err, "load %s %s", kind, id)
}
