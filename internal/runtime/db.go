package runtime

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/buildingqa/config"
)

// BuildPostgresDSN constructs a DSN from a postgres configuration section.
func BuildPostgresDSN(p config.PostgresConfig) (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + port,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	if p.Timeout > 0 {
		u.RawQuery += fmt.Sprintf("&connect_timeout=%d", int(p.Timeout/time.Second))
	}
	return u.String(), nil
}

// OpenPostgres builds the DSN, opens the pool and pings it once.
func OpenPostgres(p config.PostgresConfig) (*sql.DB, error) {
	dsn, err := BuildPostgresDSN(p)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
