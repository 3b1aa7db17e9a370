// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/dlmiddlecote/sqlstats"
	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/jobloop"
)

// Wrapper around gorp.DbMap that adds some convenience functions.
type DB struct {
	*gorp.DbMap
	DBConfig conf.DBConfig
	monitor  Monitor
}

type Table interface {
	TableName() string
}

// Index that is created together with the tables.
type Index struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
	// Optional predicate for partial indexes.
	Where string
}

// Create a new postgres database and wait until it is connected.
func NewPostgresDB(ctx context.Context, c conf.DBConfig, registry *monitoring.Registry, monitor Monitor) DB {
	stripYaml := func(s string) string { return strings.ReplaceAll(s, "\n", "") }
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          stripYaml(c.Host),
		Port:              strconv.Itoa(c.Port),
		UserName:          stripYaml(c.User),
		Password:          stripYaml(c.Password),
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      stripYaml(c.Database),
	})
	if err != nil {
		panic(err)
	}
	slog.Info("db: connecting to database", "host", c.Host, "database", c.Database)
	db, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		panic(err)
	}

	var sqlDB *sql.DB
	// If the wait time exceeds 10 seconds, we will panic.
	maxRetries := 10
	for i := range maxRetries {
		if monitor.connectionAttempts != nil {
			monitor.connectionAttempts.Inc()
		}
		err := db.PingContext(ctx)
		if err == nil {
			sqlDB = db
			break
		}
		if i == maxRetries-1 {
			panic("giving up connecting to database")
		}
		slog.Error("db: failed to connect to database, retrying...", "error", err)
		time.Sleep(1 * time.Second)
	}

	sqlDB.SetMaxOpenConns(16)
	if registry != nil {
		registry.MustRegister(sqlstats.NewStatsCollector(c.Database, sqlDB))
	}
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
	slog.Info("db: database is ready")
	return DB{DBConfig: c, DbMap: dbMap, monitor: monitor}
}

// Adds a Model table to the database. The string primary key "ID" is
// generated by the application, not by the database.
func (d *DB) AddTable(t Table) *gorp.TableMap {
	slog.Debug("db: adding table", "table", t.TableName())
	return d.AddTableWithName(t, t.TableName()).SetKeys(false, "ID")
}

// Adds missing functionality to gorp.DbMap which creates tables.
func (d *DB) CreateTable(table ...*gorp.TableMap) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, t := range table {
		slog.Info("db: creating table", "table", t.TableName)
		sql := t.SqlForCreate(true) // true means to add IF NOT EXISTS
		if _, err := tx.Exec(sql); err != nil {
			return errors.Join(fmt.Errorf("failed to create table %s: %w", t.TableName, err), tx.Rollback())
		}
	}
	return tx.Commit()
}

// Create the given indexes if they don't exist yet.
func (d *DB) CreateIndexes(indexes ...Index) error {
	for _, index := range indexes {
		var sb strings.Builder
		sb.WriteString("CREATE ")
		if index.Unique {
			sb.WriteString("UNIQUE ")
		}
		fmt.Fprintf(&sb, "INDEX IF NOT EXISTS %s ON %s (%s)",
			index.Name, index.Table, strings.Join(index.Columns, ", "))
		if index.Where != "" {
			sb.WriteString(" WHERE " + index.Where)
		}
		if _, err := d.Exec(sb.String()); err != nil {
			return fmt.Errorf("failed to create index %s: %w", index.Name, err)
		}
	}
	return nil
}

// Run the given function in a transaction. The transaction is rolled back
// if the function returns an error, and committed otherwise.
func (d *DB) InTransaction(fn func(tx *gorp.Transaction) error) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Convenience function to close the database connection.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("db: failed to close database connection", "error", err)
	}
}

// Ping the database periodically and try to reconnect on failure.
// Panics after the configured number of failed reconnects.
func (d *DB) CheckLivenessPeriodically(ctx context.Context) {
	interval := time.Duration(d.DBConfig.Reconnect.LivenessPingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retryInterval := time.Duration(d.DBConfig.Reconnect.RetryIntervalSeconds) * time.Second
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	maxRetries := d.DBConfig.Reconnect.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jobloop.DefaultJitter(interval)):
		}
		if err := d.Db.PingContext(ctx); err == nil {
			if failures > 0 {
				slog.Info("db: database connection recovered")
			}
			failures = 0
			continue
		}
		failures++
		if d.monitor.connectionAttempts != nil {
			d.monitor.connectionAttempts.Inc()
		}
		if failures >= maxRetries {
			panic("db: database is unreachable, giving up")
		}
		slog.Error("db: database is unreachable, retrying", "attempt", failures)
		time.Sleep(retryInterval)
	}
}

// Database or transaction that supports update and insert methods.
type upsertable interface {
	Update(list ...any) (int64, error)
	Insert(list ...any) error
}

// Upsert a model into the database (Insert if possible, otherwise Update).
func Upsert(u upsertable, model any) error {
	err := u.Insert(model)
	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return err
	}
	_, err = u.Update(model)
	return err
}

// Check whether the error was caused by a unique constraint, which is
// reported differently by postgres and sqlite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
