package runtime

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := BuildPostgresDSN(config.PostgresConfig{URL: "postgres://x@y/z"})
	if err != nil || dsn != "postgres://x@y/z" {
		t.Fatalf("url should win: %q %v", dsn, err)
	}

	dsn, err = BuildPostgresDSN(config.PostgresConfig{Host: "db", User: "qa", Password: "p@ss", DBName: "ts", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	want := "postgres://qa:p%40ss@db:5432/ts?sslmode=disable&connect_timeout=5"
	if dsn != want {
		t.Fatalf("got %q want %q", dsn, want)
	}

	if _, err := BuildPostgresDSN(config.PostgresConfig{Host: "db"}); err == nil {
		t.Fatal("expected error without dbname")
	}
}
