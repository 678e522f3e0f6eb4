package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fanout/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		case **time.Time:
			if row[i] == nil {
				*v = nil
			} else {
				t := row[i].(time.Time)
				*v = &t
			}
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- FeedRepository Tests ---

func TestFeedRepository_FindByKeys(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeedRepository(db)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	read := created.Add(time.Hour)
	rows := newMockRows([][]any{
		{"f1", "1", "mt:df:f:u:1", FeedStatusActive, created, read, nil},
		{"f2", "2", "mt:df:f:u:2", FeedStatusStale, created, nil, created},
	})
	keys := []string{"mt:df:f:u:1", "mt:df:f:u:2"}
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{keys}).Return(rows, nil)

	got, err := repo.FindByKeys(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, types.Feed{FeedID: "f1", UserID: "1", FeedsKey: "mt:df:f:u:1"}, got[0].Feed)
	require.NotNil(t, got[0].LastReadAt)
	assert.True(t, got[0].LastReadAt.Equal(read))
	assert.Nil(t, got[0].StaleAt)
	assert.Equal(t, FeedStatusStale, got[1].Status)
	assert.True(t, rows.closed, "rows must be closed")
	db.AssertExpectations(t)
}

func TestFeedRepository_FindByKeys_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeedRepository(db)

	got, err := repo.FindByKeys(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestFeedRepository_FindByKeys_Errors(t *testing.T) {
	db := new(mockDBTX)
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("conn refused")).Once()
	repo := NewFeedRepository(db)

	_, err := repo.FindByKeys(context.Background(), []string{"k"})
	assert.ErrorContains(t, err, "failed to query feeds")

	bad := newMockRows([][]any{{"f1"}})
	bad.scanErr = errors.New("type mismatch")
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(bad, nil).Once()
	_, err = repo.FindByKeys(context.Background(), []string{"k"})
	assert.ErrorContains(t, err, "failed to scan feed row")

	iter := newMockRows(nil)
	iter.errVal = errors.New("reset")
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(iter, nil).Once()
	_, err = repo.FindByKeys(context.Background(), []string{"k"})
	assert.ErrorContains(t, err, "error iterating feed rows")
}

func TestFeedRepository_MarkStale(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeedRepository(db)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"mt:df:f:u:1", "f1", at}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkStale(context.Background(), "mt:df:f:u:1", "f1", at))
	db.AssertExpectations(t)
}

func TestFeedRepository_Delete(t *testing.T) {
	db := new(mockDBTX)
	repo := NewFeedRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, []any{"k", "f1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil).Once()
	require.NoError(t, repo.Delete(context.Background(), "k", "f1"))

	db.On("Exec", mock.Anything, mock.Anything, []any{"k", "f2"}).
		Return(pgconn.CommandTag{}, errors.New("deadlock")).Once()
	assert.ErrorContains(t, repo.Delete(context.Background(), "k", "f2"), "failed to delete feed f2")
}
