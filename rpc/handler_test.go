package rpc

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/lagless/router"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrimaryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so every statement sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT);
		CREATE TABLE replication_progress (applied_seq INTEGER NOT NULL);
		INSERT INTO replication_progress (applied_seq) VALUES (0);
	`)
	require.NoError(t, err)
	return db
}

func testHandler(t *testing.T, db *sql.DB) *Handler {
	t.Helper()
	h, err := NewHandler(db, HandlerConfig{
		Region:  "syd",
		Dialect: "sqlite3",
	})
	require.NoError(t, err)
	return h
}

func TestHandler_ExecuteBumpsPosition(t *testing.T) {
	db := testPrimaryDB(t)
	h := testHandler(t, db)

	resp := h.Execute(context.Background(), &WriteRequest{
		RequestID: 1,
		Op:        router.Operation{Name: "users.create", SQL: "INSERT INTO users(name) VALUES(?)", Args: []any{"jane"}},
	})
	require.True(t, resp.Success, resp.Error)
	assert.EqualValues(t, 1, resp.RowsAffected)
	assert.EqualValues(t, 1, resp.LastInsertID)
	assert.EqualValues(t, 1, resp.Position)

	resp = h.Execute(context.Background(), &WriteRequest{
		RequestID: 2,
		Op:        router.Operation{Name: "users.create", SQL: "INSERT INTO users(name) VALUES(?)", Args: []any{"omar"}},
	})
	require.True(t, resp.Success)
	assert.EqualValues(t, 2, resp.Position, "position advances once per write")

	pos, err := h.Position(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, pos)
}

func TestHandler_DuplicateRequestServedFromCache(t *testing.T) {
	db := testPrimaryDB(t)
	h := testHandler(t, db)

	req := &WriteRequest{
		RequestID: 99,
		Op:        router.Operation{Name: "users.create", SQL: "INSERT INTO users(name) VALUES(?)", Args: []any{"jane"}},
	}

	first := h.Execute(context.Background(), req)
	require.True(t, first.Success)

	second := h.Execute(context.Background(), req)
	assert.Equal(t, first, second)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	assert.Equal(t, 1, count, "duplicate delivery must not execute twice")

	pos, err := h.Position(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pos)
}

func TestHandler_SQLErrorRollsBackProgress(t *testing.T) {
	db := testPrimaryDB(t)
	h := testHandler(t, db)

	resp := h.Execute(context.Background(), &WriteRequest{
		RequestID: 5,
		Op:        router.Operation{Name: "bad", SQL: "INSERT INTO missing_table VALUES (1)"},
	})
	require.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	pos, err := h.Position(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos, "failed write must not advance the position")
}

func TestHandler_FailedRequestNotCached(t *testing.T) {
	db := testPrimaryDB(t)
	h := testHandler(t, db)

	req := &WriteRequest{
		RequestID: 7,
		Op:        router.Operation{Name: "bad", SQL: "INSERT INTO missing_table VALUES (1)"},
	}
	require.False(t, h.Execute(context.Background(), req).Success)

	// The retry carries the same ID but valid SQL after the schema is fixed
	_, err := db.Exec("CREATE TABLE missing_table (v INTEGER)")
	require.NoError(t, err)
	resp := h.Execute(context.Background(), req)
	assert.True(t, resp.Success, "a failed attempt must not poison the dedup cache")
}

func TestHandler_EmptyStatementRejected(t *testing.T) {
	db := testPrimaryDB(t)
	h := testHandler(t, db)

	resp := h.Execute(context.Background(), &WriteRequest{RequestID: 8})
	require.False(t, resp.Success)
}
