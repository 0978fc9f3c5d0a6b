package audit

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/queue/streams"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

// NewFromConfig builds the configured sinks. db and rdb may be nil when no sink needs them.
func NewFromConfig(cfg config.AuditConfig, db *sql.DB, rdb *redis.Client, metrics *telemetry.Metrics, logger *log.Logger) (*MultiSink, error) {
	var sinks []Sink
	for _, name := range cfg.Sinks {
		switch name {
		case "file":
			sinks = append(sinks, NewFileSink(cfg.Dir))
		case "postgres":
			if db == nil {
				return nil, fmt.Errorf("audit: postgres sink requires a database connection")
			}
			sinks = append(sinks, NewPostgresSink(db))
		case "stream":
			if rdb == nil {
				return nil, fmt.Errorf("audit: stream sink requires a redis client")
			}
			sinks = append(sinks, NewStreamSink(streams.New(rdb, cfg.Stream, streamMaxLen)))
		default:
			return nil, fmt.Errorf("audit: unknown sink %q", name)
		}
	}
	return NewMultiSink(metrics, logger, sinks...), nil
}
