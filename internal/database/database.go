package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"request-network/configs"
	"request-network/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type DBManager struct {
	WriteDB     *gorm.DB
	ReadDBs     []*gorm.DB
	nextReplica int
	replicaMu   sync.Mutex
	log         *zap.Logger
}

// NewDBManager connects the primary and every configured read replica.
// Replicas that fail to connect are skipped; reads then fall back to the
// primary.
func NewDBManager(cfg *configs.Config, log *zap.Logger) (*DBManager, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel(cfg.DBLogLevel))}

	writeDB, err := gorm.Open(mysql.Open(cfg.DatabaseURL), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect write database: %w", err)
	}

	sqlDB, err := writeDB.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	m := NewFromDB(writeDB, log)
	for i, dsn := range cfg.ReadURLs() {
		readDB, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			log.Warn("read replica unavailable", zap.Int("replica", i), zap.Error(err))
			continue
		}
		m.ReadDBs = append(m.ReadDBs, readDB)
	}

	log.Info("database connection established", zap.Int("read_replicas", len(m.ReadDBs)))
	return m, nil
}

// NewFromDB wraps an already opened connection with no read replicas.
func NewFromDB(db *gorm.DB, log *zap.Logger) *DBManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &DBManager{WriteDB: db, ReadDBs: make([]*gorm.DB, 0), log: log}
}

// Migrate creates or updates every table.
func (m *DBManager) Migrate() error {
	if err := m.WriteDB.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// GetReadDB returns a read replica using round-robin
func (m *DBManager) GetReadDB() *gorm.DB {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()

	if len(m.ReadDBs) == 0 {
		return m.WriteDB
	}

	db := m.ReadDBs[m.nextReplica]
	m.nextReplica = (m.nextReplica + 1) % len(m.ReadDBs)
	return db
}

// Ping checks the primary connection.
func (m *DBManager) Ping(ctx context.Context) error {
	sqlDB, err := m.WriteDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the primary and all replicas.
func (m *DBManager) Close() error {
	var errs []error
	for _, db := range append([]*gorm.DB{m.WriteDB}, m.ReadDBs...) {
		sqlDB, err := db.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SeedBuiltinProfileTypes inserts the built-in profile types that are
// missing. Existing rows, including edited limits, are left alone.
func (m *DBManager) SeedBuiltinProfileTypes(ctx context.Context) error {
	for _, name := range models.BuiltinProfileTypes {
		pt := models.ProfileType{
			Name:        name,
			Description: fmt.Sprintf("Built-in %s profile", name),
			IsActive:    true,
			IsBuiltin:   true,
		}
		err := m.WriteDB.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&pt).Error
		if err != nil {
			return fmt.Errorf("seed profile type %s: %w", name, err)
		}
	}
	return nil
}

// SeedExportConfig creates the singleton export configuration from the
// environment when none has been stored yet. cfg.FTPPassword must already be
// sealed.
func (m *DBManager) SeedExportConfig(ctx context.Context, cfg configs.ExportConfig) error {
	row := models.ExportConfig{
		ID:              1,
		Format:          "json",
		DestinationType: cfg.DestinationType,
		LocalPath:       cfg.Dir,
		FTPHost:         cfg.FTPHost,
		FTPPort:         cfg.FTPPort,
		FTPUsername:     cfg.FTPUsername,
		FTPPassword:     cfg.FTPPassword,
		FTPPath:         cfg.FTPPath,
		FTPUseTLS:       cfg.FTPUseTLS,
		Kinds:           "users,profile_types,request_types,results",
	}
	err := m.WriteDB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("seed export config: %w", err)
	}
	return nil
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
