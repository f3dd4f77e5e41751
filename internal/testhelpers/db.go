// Package testhelpers provides shared fixtures for package tests.
package testhelpers

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"request-network/internal/database"
	"request-network/internal/models"
)

// NewDB opens a private in-memory sqlite database with every table migrated
// and the built-in profile types seeded.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	return NewManager(t).WriteDB
}

// NewManager is NewDB wrapped in a DBManager.
func NewManager(t *testing.T) *database.DBManager {
	t.Helper()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	m := database.NewFromDB(db, nil)
	require.NoError(t, m.Migrate())
	require.NoError(t, m.SeedBuiltinProfileTypes(context.Background()))
	return m
}

// CreatePrincipal inserts an active principal with the given profile type.
func CreatePrincipal(t *testing.T, db *gorm.DB, username, profileType string) *models.Principal {
	t.Helper()
	p := &models.Principal{
		Username:       username,
		Email:          username + "@example.com",
		HashedPassword: "x",
		ProfileType:    profileType,
		IsActive:       true,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// CreateRequestType inserts an active request type with the given
// parameters and query template.
func CreateRequestType(t *testing.T, db *gorm.DB, name string, template string, params ...models.RequestTypeParameter) *models.RequestType {
	t.Helper()
	rt := &models.RequestType{
		Name:               name,
		IsActive:           true,
		Version:            1,
		MaxItemsPerRequest: 100,
		Index:              name,
		QueryTemplate:      []byte(template),
		Parameters:         params,
	}
	require.NoError(t, db.Create(rt).Error)
	return rt
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }
