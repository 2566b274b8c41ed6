package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"odds/internal/types"
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

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// mockRows implements pgx.Rows over rows of string/time values.
type mockRows struct {
	data   [][]any
	idx    int
	closed bool
	errVal error
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
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
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

var submitted = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func sampleRequest() types.JobRequest {
	return types.JobRequest{
		ID:           "job-1",
		OutputIntent: types.IntentBoth,
		DownscaleJobs: []types.DownscaleRequest{{
			Variable: types.VarPrecipitation,
			Selector: types.DatasetSelector{Dataset: types.DatasetBlend},
			Region:   "Thompson",
			Point:    types.Point{Lat: 53.5, Lon: -120},
		}},
		IndexJobs:   []types.IndexRequest{{Name: "Maximum Length of Dry Spell", Identifier: "cdd", Group: types.VarPrecipitation}},
		UserEmail:   "alex@example.org",
		SubmittedAt: submitted,
	}
}

func TestJobsRepository_Create(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		var req types.JobRequest
		if err := json.Unmarshal(args[2].([]byte), &req); err != nil {
			return false
		}
		return args[0] == "job-1" && args[1] == "alex@example.org" &&
			args[3] == "queued" && req.DownscaleJobs[0].Region == "Thompson"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Create(ctx, sampleRequest()))
	db.AssertExpectations(t)
}

func TestJobsRepository_Create_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Create(context.Background(), sampleRequest())
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestJobsRepository_Position(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 4
			return nil
		}})

	pos, err := repo.Position(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func TestJobsRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	params, err := json.Marshal(sampleRequest())
	require.NoError(t, err)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "job-1"
			*dest[1].(*string) = "alex@example.org"
			*dest[2].(*[]byte) = params
			*dest[3].(*string) = "running"
			*dest[6].(*time.Time) = submitted
			*dest[7].(*time.Time) = submitted.Add(time.Minute)
			return nil
		}})

	rec, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, rec.Status)
	assert.Equal(t, sampleRequest(), rec.Request)
	assert.Equal(t, submitted.Add(time.Minute), rec.UpdatedAt)
}

func TestJobsRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundJob))
}

func TestJobsRepository_MarkRunning(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"queued job moves", "UPDATE 1", true},
		{"redelivered job is skipped", "UPDATE 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobsRepository(db)
			db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"job-1", submitted}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			ok, err := repo.MarkRunning(context.Background(), "job-1", submitted)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestJobsRepository_Finish(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	ctx := context.Background()

	err := repo.Finish(ctx, "job-1", types.JobRunning, "", "", submitted)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalUnexpected))

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job-1", "failed", "boom", "ODDS Results", submitted}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	require.NoError(t, repo.Finish(ctx, "job-1", types.JobFailed, "boom", "ODDS Results", submitted))

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	err = repo.Finish(ctx, "job-2", types.JobSucceeded, "", "", submitted)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundJob))
}

func TestJobsRepository_ListByEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)

	rows := newMockRows([][]any{
		{"job-2", "alex@example.org", "queued", "", "", submitted.Add(time.Hour), submitted.Add(time.Hour)},
		{"job-1", "alex@example.org", "succeeded", "", "Downscaling outputs:", submitted, submitted},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"alex@example.org", 10}).
		Return(rows, nil)

	recs, err := repo.ListByEmail(context.Background(), "alex@example.org", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "job-2", recs[0].ID)
	assert.Equal(t, types.JobSucceeded, recs[1].Status)
	assert.Equal(t, "Downscaling outputs:", recs[1].Results)
	assert.True(t, rows.closed)
}

func TestJobsRepository_Housekeeping(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	ctx := context.Background()
	cutoff := submitted.Add(-7 * 24 * time.Hour)

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil).Once()
	n, err := repo.DeleteFinishedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{cutoff, submitted}).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil).Once()
	n, err = repo.FailStale(ctx, cutoff, submitted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestJobsRepository_RequestCancel(t *testing.T) {
	tests := []struct {
		name string
		left string
		want types.JobStatus
	}{
		{"queued job is cancelled outright", "cancelled", types.JobCancelled},
		{"running job is flagged for the worker", "running", types.JobRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobsRepository(db)
			db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1", submitted}).
				Return(&mockRow{scanFn: func(dest ...any) error {
					*dest[0].(*string) = tt.left
					return nil
				}})

			got, err := repo.RequestCancel(context.Background(), "job-1", submitted)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobsRepository_RequestCancel_Finished(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	params, err := json.Marshal(sampleRequest())
	require.NoError(t, err)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1", submitted}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "job-1"
			*dest[2].(*[]byte) = params
			*dest[3].(*string) = "succeeded"
			return nil
		}})

	_, err = repo.RequestCancel(context.Background(), "job-1", submitted)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictJobNotRunning))
}

func TestJobsRepository_RequestCancel_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.RequestCancel(context.Background(), "missing", submitted)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundJob))
}

func TestJobsRepository_CancelRequested(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"job-1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	ok, err := repo.CancelRequested(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobsRepository_WPSJobs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobsRepository(db)
	ctx := context.Background()
	ref := types.WPSJobRef{
		JobID:          "7d1f",
		Server:         "chickadee",
		Process:        "ci",
		StatusLocation: "https://marble.example.org/wpsoutputs/chickadee/7d1f.xml",
		SubmittedAt:    submitted,
	}

	db.On("Exec", ctx, mock.AnythingOfType("string"),
		[]any{"job-1", "7d1f", "chickadee", "ci", ref.StatusLocation, submitted}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	require.NoError(t, repo.RecordWPSJob(ctx, "job-1", ref))

	rows := newMockRows([][]any{{"7d1f", "chickadee", "ci", ref.StatusLocation, submitted}})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"job-1"}).Return(rows, nil)
	refs, err := repo.WPSJobs(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []types.WPSJobRef{ref}, refs)
	assert.True(t, rows.closed)
	db.AssertExpectations(t)
}

func TestEnsureSchema(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, schemaSQL, mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil)

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS odds_jobs")
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS odds_wps_jobs")
}
