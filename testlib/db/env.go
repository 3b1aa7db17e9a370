// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/testlib/db/containers"
	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
)

type DBEnv struct {
	*db.DB
	Close func()
}

func SetupDBEnv(t *testing.T) DBEnv {
	t.Helper()
	var env DBEnv
	// To run tests faster, the default is running with sqlite.
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("Using real postgres container")
		container := containers.PostgresContainer{}
		container.Init(t)
		port, err := strconv.Atoi(container.GetPort())
		if err != nil {
			t.Fatal(err)
		}
		pg := db.NewPostgresDB(t.Context(), conf.DBConfig{
			Host:     "localhost",
			Port:     port,
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
		}, nil, db.Monitor{})
		env.DB = &pg
		env.Close = func() {
			env.DB.Close()
			container.Close()
		}
	} else {
		slog.Info("Using sqlite")
		tmpDir := t.TempDir()
		// Writers wait for each other instead of failing with SQLITE_BUSY.
		dsn := "file:" + tmpDir + "/test.db?_busy_timeout=10000&_txlock=immediate&_foreign_keys=off"
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			t.Fatal(err)
		}
		env.DB = &db.DB{}
		env.DB.DbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
		env.Close = func() {
			env.DB.Close()
		}
	}
	if os.Getenv("GORP_TRACE") == "1" {
		env.DB.DbMap.TraceOn("[gorp]", log.New(os.Stdout, "cirrus:", log.Lmicroseconds))
	}
	return env
}
