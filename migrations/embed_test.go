package migrations

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestFS_VersionsAreContiguous(t *testing.T) {
	files, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("migrations = %v, want 2", files)
	}
	for i, name := range files {
		prefix := fmt.Sprintf("%03d_", i+1)
		if !strings.HasPrefix(name, prefix) {
			t.Errorf("migration %d is %q, want prefix %q", i+1, name, prefix)
		}
	}
}

func TestFS_MigrationsAreReversible(t *testing.T) {
	files, _ := fs.Glob(FS, "*.sql")
	for _, name := range files {
		data, err := fs.ReadFile(FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		sql := string(data)
		up := strings.Index(sql, "-- +goose Up")
		down := strings.Index(sql, "-- +goose Down")
		if up < 0 || down < up {
			t.Errorf("%s: want an Up section followed by a Down section", name)
		}
	}
}

func TestFS_InitialSchemaDeclaresPartitions(t *testing.T) {
	data, err := fs.ReadFile(FS, "001_initial_schema.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, marker := range []string{
		"CREATE TABLE partitions",
		"CREATE TABLE records",
		"('syncLog', 'timestamp')",
	} {
		if !strings.Contains(string(data), marker) {
			t.Errorf("initial schema missing %q", marker)
		}
	}
}
