package sdk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/table"
	"github.com/TFMV/floe/tableops"
)

func TestNewTestBox(t *testing.T) {
	tb := NewTestBox(t, WithName("custom"))
	assert.NotNil(t, tb.MemoryFS())
	assert.Equal(t, "custom", tb.Catalog.Name())
}

func TestTestBoxAppendAndQuery(t *testing.T) {
	tb := NewTestBox(t)
	tb.CreateTable("demo", "users", nil)

	tb.AppendRows(users,
		table.Row{1: int64(1), 2: "alice", 3: "alice@example.com", 4: 92.0},
		table.Row{1: int64(2), 2: "bob"},
	)
	tbl := tb.AppendRows(users, table.Row{1: int64(3), 2: "carol", 4: 55.0})
	assert.Equal(t, int64(2), tbl.Version())
	assert.Equal(t, "3", tbl.Metadata.CurrentSnapshot().Summary[table.SummaryTotalRecords])

	e := tb.Engine()
	require.NoError(t, e.RegisterTable(context.Background(), users))
	res, err := e.ExecuteQuery(context.Background(), "SELECT sum(score) FROM users")
	require.NoError(t, err)
	assert.EqualValues(t, 147.0, res.Rows[0][0])
}

func TestTestBoxCommitSchemaChange(t *testing.T) {
	tb := NewTestBox(t)
	tb.CreateTable("demo", "users", nil)

	tbl := tb.Commit(users, tableops.EvolveSchema{Changes: []table.SchemaChange{
		table.AddField{Name: "created_at", Type: table.TimestampType},
	}})
	f, ok := tbl.Metadata.CurrentSchema().FieldByName("created_at")
	require.True(t, ok)
	assert.Equal(t, 5, f.ID)
}
