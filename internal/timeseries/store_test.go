package timeseries

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/mohammad-safakhou/buildingqa/config"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, config.TimeseriesConfig{RowLimit: 100}), mock
}

func TestFetchRaw(t *testing.T) {
	st, mock := newMockStore(t)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query := regexp.QuoteMeta(`SELECT "time", "uuid", "value" FROM "public"."readings" WHERE "uuid" = ANY($1) AND "time" >= $2 AND "time" <= $3 ORDER BY "time" LIMIT 100`)
	mock.ExpectQuery(query).
		WithArgs(sqlmock.AnyArg(), start, end).
		WillReturnRows(sqlmock.NewRows([]string{"time", "uuid", "value"}).
			AddRow(start, "abc", 21.5).
			AddRow(start.Add(time.Hour), "abc", nil).
			AddRow(start.Add(2*time.Hour), "abc", 22.0))

	got, err := st.FetchRaw(context.Background(), "public.readings", []string{"abc"}, start, end)
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if len(got) != 2 || got[1].Value != 22.0 || got[0].Identifier != "abc" {
		t.Fatalf("unexpected readings %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFetchRawRejectsLocation(t *testing.T) {
	st, _ := newMockStore(t)
	for _, loc := range []string{"readings; DROP TABLE x", "a.b.c", "", "1table"} {
		if _, err := st.FetchRaw(context.Background(), loc, []string{"x"}, time.Now(), time.Now()); !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("%q: expected ErrInvalidLocation, got %v", loc, err)
		}
	}
}

func TestQueryMapsColumns(t *testing.T) {
	st, mock := newMockStore(t)
	sql := "SELECT bucket, sensor, avg FROM hourly WHERE sensor = 'abc'"
	mock.ExpectQuery(regexp.QuoteMeta(sql)).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "sensor", "avg"}).
			AddRow("2024-05-01T10:00:00Z", "abc", "19.25").
			AddRow("2024-05-01T11:00:00Z", "abc", "n/a"))

	got, err := st.Query(context.Background(), sql+";")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected unparsable row to be skipped, got %+v", got)
	}
	if got[0].Value != 19.25 || got[0].Identifier != "abc" || got[0].Timestamp.Hour() != 10 {
		t.Fatalf("unexpected reading %+v", got[0])
	}
}

func TestQueryIsReadOnly(t *testing.T) {
	st, _ := newMockStore(t)
	for _, q := range []string{
		"DELETE FROM readings",
		"SELECT 1; DROP TABLE readings",
		"WITH x AS (DELETE FROM readings RETURNING *) SELECT * FROM x",
		"",
	} {
		if _, err := st.Query(context.Background(), q); !errors.Is(err, ErrNotReadOnly) {
			t.Fatalf("%q: expected ErrNotReadOnly, got %v", q, err)
		}
	}
}

func TestQueryWithoutColumnsFails(t *testing.T) {
	st, mock := newMockStore(t)
	sql := "SELECT FROM readings"
	mock.ExpectQuery(regexp.QuoteMeta(sql)).WillReturnRows(sqlmock.NewRows([]string{}))

	if _, err := st.Query(context.Background(), sql); err == nil {
		t.Fatal("expected an error for a result without columns")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
