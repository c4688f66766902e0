package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type note struct {
	ID   uint `gorm:"primaryKey"`
	Text string
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := Open("sqlite", dsn, "silent")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&note{}))
	return db
}

func TestTransactorCommitsAndRollsBack(t *testing.T) {
	db := setupDB(t)
	tr := NewTransactor(db)
	ctx := context.Background()

	err := tr.WithinTransaction(ctx, func(ctx context.Context) error {
		return Conn(ctx, db).Create(&note{Text: "kept"}).Error
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tr.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := Conn(ctx, db).Create(&note{Text: "dropped"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var texts []string
	require.NoError(t, db.Model(&note{}).Order("id").Pluck("text", &texts).Error)
	assert.Equal(t, []string{"kept"}, texts)
}

func TestTransactorJoinsOuterTransaction(t *testing.T) {
	db := setupDB(t)
	tr := NewTransactor(db)

	err := tr.WithinTransaction(context.Background(), func(outer context.Context) error {
		outerTx, ok := TxFromContext(outer)
		require.True(t, ok)

		if err := tr.WithinTransaction(outer, func(inner context.Context) error {
			innerTx, ok := TxFromContext(inner)
			require.True(t, ok)
			assert.Same(t, outerTx, innerTx)
			return Conn(inner, db).Create(&note{Text: "inner"}).Error
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&note{}).Count(&count).Error)
	assert.Zero(t, count)
}
