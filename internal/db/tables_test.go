package db

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTable_Valid(t *testing.T) {
	for _, table := range Tables() {
		if !table.Valid() {
			t.Errorf("expected %s to be valid", table)
		}
	}

	if Table("batch_queue; DROP TABLE form_meta").Valid() {
		t.Error("arbitrary identifiers must not be valid")
	}
}

func TestIsUndefinedTable(t *testing.T) {
	missing := &pgconn.PgError{Code: "42P01", Message: `relation "batch_queue" does not exist`}

	if !IsUndefinedTable(missing) {
		t.Error("expected undefined table error to be detected")
	}
	if !IsUndefinedTable(fmt.Errorf("query: %w", missing)) {
		t.Error("expected wrapped undefined table error to be detected")
	}
	if IsUndefinedTable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation is not an undefined table")
	}
	if IsUndefinedTable(errors.New("relation does not exist")) {
		t.Error("plain errors are not classified")
	}
}

func TestMigrations_CreateEveryTable(t *testing.T) {
	files, err := fs.Glob(Migrations, "migrations/*.up.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}

	var all strings.Builder
	for _, name := range files {
		data, err := Migrations.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		all.Write(data)
	}

	for _, table := range Tables() {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+string(table)) {
			t.Errorf("migrations do not create %s", table)
		}
	}
}

func TestQueueStatistics_Add(t *testing.T) {
	var s QueueStatistics
	s.Add(StatusPending, 2)
	s.Add(StatusFailed, 1)
	s.Add("bogus", 5)

	if s.Total != 3 || s.Pending != 2 || s.Failed != 1 {
		t.Errorf("unexpected statistics: %+v", s)
	}
}
