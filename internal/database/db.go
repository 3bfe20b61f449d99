package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Pool bounds the connection pool.  Every reservation holds one connection
// for the length of its transaction, so MaxOpen caps concurrent admissions
// per process.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// DefaultPool mirrors the sizing used before pool settings became
// configurable.
var DefaultPool = Pool{MaxOpen: 25, MaxIdle: 25, MaxLifetime: 30 * time.Minute}

// DSN builds a go-sql-driver DSN.  parseTime=true makes DATE and DATETIME
// columns scan into time.Time; loc=UTC keeps times consistent.
func DSN(user, pass, host, port, name string) string {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)
}

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string, pool Pool) (*sql.DB, error) {
	return OpenDSN(DSN(user, pass, host, port, name), pool)
}

// OpenDSN is Open for a ready-made DSN.
func OpenDSN(dsn string, pool Pool) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
