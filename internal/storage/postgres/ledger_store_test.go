package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *LedgerStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return mock, store
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewWithPool(mock, "bad-name", "")
	require.Error(t, err)
	_, err = NewWithPool(mock, "same", "same")
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_results").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteResultsReplacesTable(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_results").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO harvest_results").
		WithArgs(0, "1", "Acme U", []byte(`[{"name":"Ann","profile_url":"https://x.test/in/ann"}]`), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO harvest_results").
		WithArgs(1, "2", "Beta", []byte(`[]`), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.WriteResults(context.Background(), []harvest.EntityResult{
		{ID: "1", Name: "Acme U", Contacts: []harvest.Contact{{Name: "Ann", ProfileURL: "https://x.test/in/ann"}}, Complete: true},
		{ID: "2", Name: "Beta"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteUnmatchedRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_unmatched").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO harvest_unmatched").
		WithArgs(0, "9", "Gamma").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.WriteUnmatched(context.Background(), []harvest.UnmatchedEntity{{ID: "9", Name: "Gamma"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT id, name, contacts, complete FROM harvest_results").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "contacts", "complete"}).
			AddRow("1", "Acme U", []byte(`[{"name":"Ann"}]`), false).
			AddRow("2", "Beta", []byte(`[]`), true))
	mock.ExpectQuery("SELECT id, name FROM harvest_unmatched").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow("3", "Gamma"))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, snap.Results, 2)
	assert.Equal(t, []harvest.Contact{{Name: "Ann"}}, snap.Results[0].Contacts)
	assert.False(t, snap.Results[0].Complete)
	assert.Empty(t, snap.Results[1].Contacts)
	assert.True(t, snap.Results[1].Complete)
	assert.Equal(t, []harvest.UnmatchedEntity{{ID: "3", Name: "Gamma"}}, snap.Unmatched)
}

func TestReset(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	for _, table := range []string{"harvest_results", "harvest_unmatched"} {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM " + table).WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()
	}
	require.NoError(t, store.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
