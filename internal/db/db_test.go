// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"errors"
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/db"
	testlibDB "github.com/cobaltcore-dev/cirrus/testlib/db"
	"github.com/go-gorp/gorp"
)

type mockTable struct {
	ID   string `db:"id"`
	Name string `db:"name"`
	Kind string `db:"kind"`
}

func (mockTable) TableName() string { return "mock_table" }

func setup(t *testing.T) (testlibDB.DBEnv, *gorp.TableMap) {
	dbEnv := testlibDB.SetupDBEnv(t)
	table := dbEnv.AddTable(mockTable{})
	if err := dbEnv.CreateTable(table); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return dbEnv, table
}

func TestDB_CreateTable(t *testing.T) {
	dbEnv, _ := setup(t)
	defer dbEnv.Close()

	if err := dbEnv.Insert(&mockTable{ID: "a", Name: "first"}); err != nil {
		t.Fatalf("expected insert to work, got %v", err)
	}
	// Creating the table again must not fail.
	if err := dbEnv.CreateTable(dbEnv.AddTable(mockTable{})); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestDB_CreateIndexes(t *testing.T) {
	dbEnv, _ := setup(t)
	defer dbEnv.Close()

	err := dbEnv.CreateIndexes(db.Index{
		Name:    "mock_table_name_kind",
		Table:   "mock_table",
		Columns: []string{"name", "kind"},
		Unique:  true,
		Where:   "kind != ''",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Rows without kind are not covered by the partial index.
	for _, id := range []string{"a", "b"} {
		if err := dbEnv.Insert(&mockTable{ID: id, Name: "x"}); err != nil {
			t.Fatalf("expected insert to work, got %v", err)
		}
	}
	if err := dbEnv.Insert(&mockTable{ID: "c", Name: "x", Kind: "k"}); err != nil {
		t.Fatalf("expected insert to work, got %v", err)
	}
	err = dbEnv.Insert(&mockTable{ID: "d", Name: "x", Kind: "k"})
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestDB_Upsert(t *testing.T) {
	dbEnv, _ := setup(t)
	defer dbEnv.Close()

	if err := db.Upsert(dbEnv.DbMap, &mockTable{ID: "a", Name: "first"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := db.Upsert(dbEnv.DbMap, &mockTable{ID: "a", Name: "second"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var rows []mockTable
	if _, err := dbEnv.Select(&rows, "SELECT * FROM mock_table"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "second" {
		t.Fatalf("expected one updated row, got %v", rows)
	}
}

func TestDB_InTransaction(t *testing.T) {
	dbEnv, _ := setup(t)
	defer dbEnv.Close()

	errBoom := errors.New("boom")
	err := dbEnv.InTransaction(func(tx *gorp.Transaction) error {
		if err := tx.Insert(&mockTable{ID: "a", Name: "rolled back"}); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	count, err := dbEnv.SelectInt("SELECT COUNT(*) FROM mock_table")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, got %d rows", count)
	}

	err = dbEnv.InTransaction(func(tx *gorp.Transaction) error {
		return tx.Insert(&mockTable{ID: "b", Name: "committed"})
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	count, err = dbEnv.SelectInt("SELECT COUNT(*) FROM mock_table")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected commit, got %d rows", count)
	}
}
