package migrations

import (
	"testing"
	"testing/fstest"
)

func TestSplitStatements(t *testing.T) {
	input := `-- header comment
CREATE TABLE a (x Int64) ENGINE = MergeTree() ORDER BY x;

-- second
CREATE TABLE b (y String) ENGINE = MergeTree() ORDER BY y;
`
	stmts := SplitStatements(input)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	if stmts[1] != "CREATE TABLE b (y String) ENGINE = MergeTree() ORDER BY y" {
		t.Errorf("unexpected second statement: %q", stmts[1])
	}
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	if err := validateNoSemicolonInStrings("SELECT 'a;b'"); err == nil {
		t.Error("expected error for semicolon in literal")
	}
	if err := validateNoSemicolonInStrings("SELECT 'it''s'; SELECT 1;"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	for _, d := range []Dialect{Postgres, Clickhouse} {
		files, err := Files(d)
		if err != nil {
			t.Fatalf("Files(%s) failed: %v", d, err)
		}
		if len(files) < 2 {
			t.Errorf("expected at least 2 %s migrations, got %d", d, len(files))
		}
		for i, f := range files {
			if i > 0 && files[i-1].Name >= f.Name {
				t.Errorf("%s migrations out of order: %s before %s", d, files[i-1].Name, f.Name)
			}
			if err := validateNoSemicolonInStrings(f.SQL); err != nil {
				t.Errorf("%s/%s: %v", d, f.Name, err)
			}
		}
	}
}

func TestLoadFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"postgres/002_b.sql": {Data: []byte("SELECT 2;")},
		"postgres/001_a.sql": {Data: []byte("SELECT 1;")},
		"postgres/notes.txt": {Data: []byte("ignored")},
	}
	files, err := loadFiles(fsys, Postgres)
	if err != nil {
		t.Fatalf("loadFiles failed: %v", err)
	}
	if len(files) != 2 || files[0].Name != "001_a.sql" || files[1].SQL != "SELECT 2;" {
		t.Errorf("unexpected files: %+v", files)
	}
	if _, err := loadFiles(fsys, Clickhouse); err == nil {
		t.Error("expected error for dialect without migrations")
	}
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/evidence")
	if err != nil || db != "evidence" {
		t.Errorf("expected evidence, got %q (%v)", db, err)
	}
	if _, err := databaseFromDSN("clickhouse://localhost:9000"); err == nil {
		t.Error("expected error for missing database")
	}
}
