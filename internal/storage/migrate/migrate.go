// Package migrate applies embedded, ordered SQL migrations at most once per
// file. Stores supply a Runner for their driver.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Table records applied migration names.
const Table = "schema_migrations"

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Runner executes migrations for one database driver.
type Runner interface {
	// EnsureTable creates the migration table when absent.
	EnsureTable(ctx context.Context) error
	// Applied reports whether name was recorded.
	Applied(ctx context.Context, name string) (bool, error)
	// Apply runs sql and records name in one transaction.
	Apply(ctx context.Context, name, sql string) error
}

// Apply runs every *.sql file under root in lexical order.
func Apply(ctx context.Context, r Runner, fsys fs.FS, root string) error {
	if r == nil {
		return fmt.Errorf("migration runner is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := r.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		done, err := r.Applied(ctx, file)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if done {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := ExtractUp(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		if err := r.Apply(ctx, file, up); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// ExtractUp returns the SQL between the Up and Down markers. A file with no
// Up marker is returned whole.
func ExtractUp(content string) string {
	up := strings.Index(content, upMarker)
	if up == -1 {
		return content
	}
	body := content[up+len(upMarker):]
	if down := strings.Index(body, downMarker); down != -1 {
		body = body[:down]
	}
	return body
}
