package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/planner"
	"github.com/Kocoro-lab/prosearch/internal/research"
)

func newMockArchive(t *testing.T) (*SessionArchive, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	client := NewClient(sqlx.NewDb(raw, "sqlmock"), zaptest.NewLogger(t))
	return NewSessionArchive(client, zaptest.NewLogger(t)), mock
}

var recordColumns = []string{
	"id", "query", "effort", "state", "loop_index", "max_loops", "issued_queries",
	"web_evidence", "academic_evidence", "answer", "citations", "error_message", "created_at", "finished_at",
}

func TestSaveUpsertsView(t *testing.T) {
	archive, mock := newMockArchive(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(40 * time.Second)
	v := research.View{
		ID:               "s-1",
		Query:            "benefits of meditation",
		Effort:           planner.EffortLow,
		State:            research.StateDone,
		LoopIndex:        1,
		MaxLoops:         1,
		IssuedQueries:    1,
		WebEvidence:      3,
		AcademicEvidence: 2,
		Answer:           "Meditation helps [1].",
		Citations:        []evidence.Citation{{Number: 1, Kind: evidence.KindWeb, Locator: "https://example.com"}},
		CreatedAt:        created,
		FinishedAt:       &finished,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO research_sessions")).
		WithArgs("s-1", "benefits of meditation", "low", "done", 1, 1, 1, 3, 2,
			"Meditation helps [1].", sqlmock.AnyArg(), nil, created, finished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, archive.Save(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWrapsDriverError(t *testing.T) {
	archive, mock := newMockArchive(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO research_sessions")).
		WillReturnError(errors.New("connection reset"))

	err := archive.Save(context.Background(), research.View{ID: "s-2", State: research.StateFailed, Error: "plan: boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive session s-2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansRecord(t *testing.T) {
	archive, mock := newMockArchive(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM research_sessions WHERE id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
			"s-1", "q", "medium", "done", 3, 3, 9, 12, 4, "text",
			[]byte(`[{"number":1,"kind":"academic","locator":"https://pubmed.ncbi.nlm.nih.gov/1/"}]`),
			nil, created, created.Add(time.Minute),
		))

	rec, err := archive.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, "medium", rec.Effort)
	require.Len(t, rec.Citations, 1)
	assert.Equal(t, evidence.KindAcademic, rec.Citations[0].Kind)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "text", *rec.Answer)
	assert.Nil(t, rec.ErrorMessage)
	require.NotNil(t, rec.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingReturnsErrNotArchived(t *testing.T) {
	archive, mock := newMockArchive(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM research_sessions WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := archive.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotArchived)
}

func TestRecentClampsLimit(t *testing.T) {
	archive, mock := newMockArchive(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $1")).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("a", "q1", "low", "done", 1, 1, 1, 1, 0, nil, []byte(`[]`), nil, created, nil).
			AddRow("b", "q2", "high", "failed", 2, 10, 10, 5, 0, nil, []byte(`[]`), "synthesize answer: timeout", created, nil))

	recs, err := archive.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "failed", recs[1].State)
	require.NotNil(t, recs[1].ErrorMessage)
	assert.Nil(t, recs[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	archive, mock := newMockArchive(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS research_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, archive.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer raw.Close()
	mock.ExpectPing()

	client := NewClient(sqlx.NewDb(raw, "sqlmock"), zaptest.NewLogger(t))
	require.NoError(t, client.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCitationListScan(t *testing.T) {
	var l CitationList
	require.NoError(t, l.Scan(`[{"number":2,"kind":"web","locator":"u"}]`))
	assert.Equal(t, 2, l[0].Number)
	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)
	assert.Error(t, l.Scan(42))

	v, err := CitationList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)
}

func TestConfigDSN(t *testing.T) {
	c := Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "prosearch", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=prosearch sslmode=disable", c.DSN())
}
