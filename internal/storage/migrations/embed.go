package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed postgres/*.sql clickhouse/*.sql
var schema embed.FS

// Dialect names a directory of migration files for one database engine.
type Dialect string

const (
	Postgres   Dialect = "postgres"
	Clickhouse Dialect = "clickhouse"
)

// File is one embedded migration.
type File struct {
	Name string
	SQL  string
}

// Files returns the dialect's migrations in lexical order.
func Files(d Dialect) ([]File, error) {
	return loadFiles(schema, d)
}

func loadFiles(fsys fs.FS, d Dialect) ([]File, error) {
	names, err := fs.Glob(fsys, path.Join(string(d), "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list %s migrations: %w", d, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no %s migrations embedded", d)
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		files = append(files, File{Name: path.Base(name), SQL: string(data)})
	}
	return files, nil
}
