package floofbot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlmock "gopkg.in/DATA-DOG/go-sqlmock.v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// newMockDB returns a DBI backed by sqlmock, speaking postgres
func newMockDB(t *testing.T) (DBI, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, dbmock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(
		postgres.New(postgres.Config{Conn: sqlDB}),
		&gorm.Config{SkipDefaultTransaction: true},
	)
	require.NoError(t, err)
	return NewDatabase(gdb, nil, true), dbmock
}

func TestDatabase_UpdatesWhereError(t *testing.T) {
	db, dbmock := newMockDB(t)
	dbmock.ExpectExec(`UPDATE "applications" SET`).WillReturnError(errStub)

	rows, err := db.UpdatesWhere(
		context.Background(),
		&Application{},
		map[string]any{"status": ApplicationDenied},
		"id = ? AND status = ?", 1, ApplicationPending,
	)
	assert.ErrorIs(t, err, errStub)
	assert.Zero(t, rows)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestDatabase_UpdatesWhereNoRows(t *testing.T) {
	db, dbmock := newMockDB(t)
	dbmock.ExpectExec(`UPDATE "tickets" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	rows, err := db.UpdatesWhere(
		context.Background(),
		&Ticket{},
		map[string]any{"open": false},
		"id = ? AND open = ?", 3, true,
	)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestDatabase_DeleteError(t *testing.T) {
	db, dbmock := newMockDB(t)
	dbmock.ExpectExec(`DELETE FROM "birthdays"`).WillReturnError(errStub)

	_, err := db.Delete(context.Background(), &Birthday{}, "user_id = ?", "10")
	assert.ErrorIs(t, err, errStub)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestDatabase_TransactionRollback(t *testing.T) {
	db, dbmock := newMockDB(t)
	dbmock.ExpectBegin()
	dbmock.ExpectRollback()

	err := db.Transaction(
		context.Background(), func(*gorm.DB) error {
			return errStub
		},
	)
	assert.ErrorIs(t, err, errStub)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestDatabase_TransactionCommit(t *testing.T) {
	db, dbmock := newMockDB(t)
	dbmock.ExpectBegin()
	dbmock.ExpectExec(`DELETE FROM "activity_entries"`).WillReturnResult(sqlmock.NewResult(0, 4))
	dbmock.ExpectCommit()

	var deleted int64
	err := db.Transaction(
		context.Background(), func(tx *gorm.DB) error {
			rv := tx.Where("timestamp < ?", 100).Delete(&ActivityEntry{})
			deleted = rv.RowsAffected
			return rv.Error
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.NoError(t, dbmock.ExpectationsWereMet())
}

func TestCreateDB_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "floof.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, path)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, model := range allModels() {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
	assert.Equal(t, sqliteMaxOpenConns, sqlDB.Stats().MaxOpenConnections)
}

func TestGetDB_Unsupported(t *testing.T) {
	_, err := getDB("oracle", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type: oracle")
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("floof:secret@tcp(localhost:3306)/floofbot")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "/floofbot")

	_, err = normalizeMySQLDSN("not a dsn")
	assert.Error(t, err)
}
