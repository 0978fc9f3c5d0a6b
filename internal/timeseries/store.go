// Package timeseries reads sensor readings from the relational time-series store.
package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/buildingqa/config"
)

// ErrInvalidLocation is returned when a storage location is not a plain [schema.]table name.
var ErrInvalidLocation = errors.New("timeseries: invalid storage location")

// ErrNotReadOnly is returned by Query for statements other than SELECT/WITH.
var ErrNotReadOnly = errors.New("timeseries: only read queries are allowed")

var (
	locationRe = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)?$`)
	writeRe    = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|COPY|VACUUM)\b`)
)

// Reading is one sensor sample.
type Reading struct {
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
	Value      float64   `json:"value"`
}

// Store runs reading queries against Postgres/Timescale.
type Store struct {
	DB       *sql.DB
	columns  config.TimeseriesColumns
	rowLimit int
}

func NewStore(db *sql.DB, cfg config.TimeseriesConfig) *Store {
	cols := cfg.Columns
	if cols.Timestamp == "" {
		cols.Timestamp = "time"
	}
	if cols.Identifier == "" {
		cols.Identifier = "uuid"
	}
	if cols.Value == "" {
		cols.Value = "value"
	}
	limit := cfg.RowLimit
	if limit <= 0 {
		limit = 50000
	}
	return &Store{DB: db, columns: cols, rowLimit: limit}
}

// Columns returns the configured reading columns.
func (s *Store) Columns() config.TimeseriesColumns { return s.columns }

// QuoteLocation validates a [schema.]table name and quotes each part.
func QuoteLocation(location string) (string, error) {
	location = strings.TrimSpace(location)
	if !locationRe.MatchString(location) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	parts := strings.Split(location, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, "."), nil
}

// FetchRaw returns readings of ids stored at location within [start, end], ordered by time.
func (s *Store) FetchRaw(ctx context.Context, location string, ids []string, start, end time.Time) ([]Reading, error) {
	table, err := QuoteLocation(location)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	ts := pq.QuoteIdentifier(s.columns.Timestamp)
	id := pq.QuoteIdentifier(s.columns.Identifier)
	val := pq.QuoteIdentifier(s.columns.Value)
	q := fmt.Sprintf(`SELECT %s, %s, %s FROM %s WHERE %s = ANY($1) AND %s >= $2 AND %s <= $3 ORDER BY %s LIMIT %d`,
		ts, id, val, table, id, ts, ts, ts, s.rowLimit)
	rows, err := s.DB.QueryContext(ctx, q, pq.Array(ids), start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch readings from %s: %w", location, err)
	}
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		var (
			r Reading
			v sql.NullFloat64
		)
		if err := rows.Scan(&r.Timestamp, &r.Identifier, &v); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if !v.Valid {
			continue
		}
		r.Value = v.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}

// Query runs a generated read query. Columns are matched to readings by the configured names
// or the usual aliases (timestamp/ts, identifier/id, reading/val); rows without a parsable
// value are skipped.
func (s *Store) Query(ctx context.Context, query string) ([]Reading, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	head := strings.ToUpper(strings.Fields(q + " x")[0])
	if head != "SELECT" && head != "WITH" {
		return nil, fmt.Errorf("%w: statement starts with %s", ErrNotReadOnly, head)
	}
	if strings.Contains(q, ";") || writeRe.MatchString(q) {
		return nil, ErrNotReadOnly
	}
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("run generated query: %w", err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("generated query returned no columns")
	}
	tsIdx := columnIndex(names, s.columns.Timestamp, "time", "timestamp", "ts", "bucket")
	idIdx := columnIndex(names, s.columns.Identifier, "uuid", "identifier", "id", "sensor")
	valIdx := columnIndex(names, s.columns.Value, "value", "reading", "val", "avg", "mean")
	if valIdx < 0 {
		valIdx = len(names) - 1
	}

	var out []Reading
	for rows.Next() {
		vals := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var r Reading
		v, ok := toFloat(vals[valIdx])
		if !ok {
			continue
		}
		r.Value = v
		if tsIdx >= 0 {
			r.Timestamp = toTime(vals[tsIdx])
		}
		if idIdx >= 0 {
			r.Identifier = toString(vals[idIdx])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func columnIndex(names []string, candidates ...string) int {
	for _, c := range candidates {
		for i, n := range names {
			if strings.EqualFold(n, c) {
				return i
			}
		}
	}
	return -1
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v interface{}) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case []byte:
		return parseTime(string(x))
	case string:
		return parseTime(x)
	}
	return time.Time{}
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}
