package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-statemachine/entity"
)

func TestWhereClauseSQLite(t *testing.T) {
	where, args, err := whereClause(SQLite, []entity.Criterion{
		entity.HasState(100, 200),
		entity.Equal("runtimeId", "r1"),
		entity.LessThan(entity.FieldUpdatedAt, int64(50)),
		entity.NotEqual("meta.region", "eu"),
	})
	require.NoError(t, err)
	assert.Equal(t,
		"e.state IN (?, ?) AND json_extract(e.payload, '$.runtimeId') = ? AND e.updated_at < ? AND "+
			"(json_extract(e.payload, '$.meta.region') IS NULL OR json_extract(e.payload, '$.meta.region') <> ?)",
		where)
	assert.Equal(t, []any{100, 200, "r1", int64(50), "eu"}, args)
}

func TestWhereClausePostgres(t *testing.T) {
	where, args, err := whereClause(Postgres, []entity.Criterion{
		entity.GreaterThan("amount", 10),
		entity.Equal("active", true),
		entity.Equal(entity.FieldID, "x"),
	})
	require.NoError(t, err)
	assert.Equal(t,
		"((e.payload::jsonb #>> '{amount}'))::numeric > ? AND (e.payload::jsonb #>> '{active}') = ? AND e.id = ?",
		where)
	assert.Equal(t, []any{10, "true", "x"}, args)
}

func TestWhereClauseEdges(t *testing.T) {
	where, args, err := whereClause(SQLite, nil)
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Nil(t, args)

	where, _, err = whereClause(SQLite, []entity.Criterion{entity.In(entity.FieldState)})
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", where)

	_, _, err = whereClause(SQLite, []entity.Criterion{{Field: "state", Operator: "~", Value: 1}})
	assert.True(t, entity.IsInvalidCriterion(err))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, Postgres.Name, d.Name)

	d, err = DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite.Name, d.Name)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/tmp/x.db?_txlock=immediate&_busy_timeout=5000", sqliteDSN("/tmp/x.db"))
	assert.Equal(t, "file:x.db?cache=shared&_txlock=immediate&_busy_timeout=5000", sqliteDSN("file:x.db?cache=shared"))
	assert.Equal(t, "x.db?_txlock=deferred&_busy_timeout=10", sqliteDSN("x.db?_txlock=deferred&_busy_timeout=10"))
}
