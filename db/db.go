// Package db implements the PostgreSQL-backed user directory and quota
// accounting store used by the policy server.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.WritePool.Exec(ctx, schema)
	return err
}

// Ping checks connectivity of the write pool.
func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// NewDatabaseFromConfig creates a new database connection with read/write
// split configuration
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %v", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, "read")
		if err != nil {
			writePool.Close() // Clean up write pool on error
			return nil, fmt.Errorf("failed to create read pool: %v", err)
		}
	} else {
		// If no read config specified, use write pool for reads
		logger.Info("No read database configuration specified, using write pool for read operations")
		readPool = writePool
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// Randomly select one host; read endpoints commonly list replicas.
	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Handle host:port combination
	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML parsers often use int64 for numbers
				portStr = strconv.FormatInt(v, 10)
			default:
				return nil, fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432"
		}

		if port, err := strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("invalid port value '%s': %v", portStr, err)
		} else {
			selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
		}
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)

	logger.Info("Connecting to database", "pool", poolType, "host", selectedHost, "name", endpoint.Name, "ssl", sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %v", err)
	}

	if endpoint.MaxConns > 0 {
		poolCfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolCfg.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := endpoint.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %v", err)
	}

	return pool, nil
}

// StartPoolMetrics starts a goroutine that periodically collects connection
// pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}
