package server_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/runtime"
	"github.com/mohammad-safakhou/buildingqa/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestAuditRetentionAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("buildingqa"),
		tcPostgres.WithUsername("buildingqa"),
		tcPostgres.WithPassword("buildingqa"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()
	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dbCfg := config.PostgresConfig{
		Host: pgHost, Port: pgPort.Port(), User: "buildingqa", Password: "buildingqa", DBName: "buildingqa", SSLMode: "disable",
	}
	if err := server.Migrate("../../migrations", dbCfg, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := runtime.OpenPostgres(dbCfg)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	sink := audit.NewPostgresSink(db)
	for i, age := range []time.Duration{time.Hour, 45 * 24 * time.Hour, 90 * 24 * time.Hour} {
		rec := audit.Record{
			ConversationID: fmt.Sprintf("conv-%d", i),
			Timestamp:      now.Add(-age),
			UserQuery:      "What is the address of Building X?",
			QueryText:      "SELECT ?address WHERE { ?b brick:hasAddress ?address }",
		}
		if err := sink.Write(ctx, rec); err != nil {
			t.Fatalf("write audit record: %v", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer rdb.Close()
	job, err := server.NewRetentionJob(config.AuditConfig{RetentionDays: 30, RetentionSchedule: "0 3 * * *"}, sink, rdb, nil)
	if err != nil {
		t.Fatalf("retention job: %v", err)
	}
	n, err := job.RunOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RunOnce = %d, %v; want 2 pruned", n, err)
	}

	var left int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_audit`).Scan(&left); err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 1 {
		t.Fatalf("expected one recent record to survive, got %d", left)
	}
}
