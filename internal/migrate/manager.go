// Package migrate applies versioned schema migrations and seed scripts to
// PostgreSQL. Scripts are read from an fs.FS so the binary can carry them
// embedded; bookkeeping rows are written in the same transaction as the
// script they record.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("no migrations applied")

// migrationName matches NNNN_name.up.sql and NNNN_name.down.sql.
var migrationName = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema step. Name is the up file's base
// name and is the key stored in the bookkeeping table.
type Migration struct {
	Version int
	Name    string
	up      string
	down    string
}

// Reversible reports whether a down script exists.
func (m Migration) Reversible() bool { return m.down != "" }

// State is one line of Status output.
type State struct {
	Migration
	Applied bool
}

func (s State) String() string {
	if s.Applied {
		return "applied  " + s.Name
	}
	return "pending  " + s.Name
}

// Manager runs migrations and seeds held in fsys.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager reads migrations from migrationsDir and seeds from seedsDir
// inside fsys. Pass os.DirFS to work from disk.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in version order.
func (m *Manager) Up(ctx context.Context) error {
	plan, err := m.Plan()
	if err != nil {
		return err
	}
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	for _, mig := range plan {
		if applied[mig.Name] {
			continue
		}
		record := fmt.Sprintf(`insert into %s(name) values ($1)`, m.migrationsTable)
		if err := m.run(ctx, mig.up, record, mig.Name); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
	}
	return nil
}

// Down reverts the highest applied migration.
func (m *Manager) Down(ctx context.Context) error {
	plan, err := m.Plan()
	if err != nil {
		return err
	}
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	var last *Migration
	for i := range plan {
		if applied[plan[i].Name] {
			last = &plan[i]
		}
	}
	if last == nil {
		if len(applied) > 0 {
			return fmt.Errorf("applied migrations are not in %s", m.migrationsDir)
		}
		return ErrNoMigrations
	}
	if !last.Reversible() {
		return fmt.Errorf("missing down migration for %s", last.Name)
	}
	record := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.run(ctx, last.down, record, last.Name); err != nil {
		return fmt.Errorf("revert migration %s: %w", last.Name, err)
	}
	return nil
}

// Status lists every known migration with its applied flag.
func (m *Manager) Status(ctx context.Context) ([]State, error) {
	plan, err := m.Plan()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(plan))
	for _, mig := range plan {
		out = append(out, State{Migration: mig, Applied: applied[mig.Name]})
	}
	return out, nil
}

// Seed runs each seed script that has not run before, in name order.
func (m *Manager) Seed(ctx context.Context) error {
	seeds, err := m.seedFiles()
	if err != nil {
		return err
	}
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s(name) values ($1)`, m.seedsTable)
	for _, p := range seeds {
		name := path.Base(p)
		if applied[name] {
			continue
		}
		if err := m.run(ctx, p, record, name); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
	}
	return nil
}

// Plan reads the migrations directory and pairs up and down scripts.
// Malformed names, duplicate versions and orphaned down scripts are errors.
func (m *Manager) Plan() ([]Migration, error) {
	entries, err := m.readDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]*Migration)
	downs := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		match := migrationName.FindStringSubmatch(e.Name())
		if match == nil {
			return nil, fmt.Errorf("migration %q: want NNNN_name.up.sql or NNNN_name.down.sql", e.Name())
		}
		version, _ := strconv.Atoi(match[1])
		p := path.Join(m.migrationsDir, e.Name())
		if match[3] == "down" {
			downs[version] = p
			continue
		}
		if prev, ok := byVersion[version]; ok {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev.Name, e.Name(), version)
		}
		byVersion[version] = &Migration{Version: version, Name: e.Name(), up: p}
	}
	for version, p := range downs {
		mig, ok := byVersion[version]
		if !ok {
			return nil, fmt.Errorf("down migration %s has no up migration", path.Base(p))
		}
		mig.down = p
	}

	plan := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		plan = append(plan, *mig)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

func (m *Manager) seedFiles() ([]string, error) {
	entries, err := m.readDir(m.seedsDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, path.Join(m.seedsDir, e.Name()))
		}
	}
	return out, nil
}

// readDir returns the entries of dir sorted by name. A missing directory
// is empty.
func (m *Manager) readDir(dir string) ([]fs.DirEntry, error) {
	if m.fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

// run executes the script at p and the bookkeeping statement in one
// transaction.
func (m *Manager) run(ctx context.Context, p, record, name string) error {
	script, err := fs.ReadFile(m.fsys, p)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// splitStatements cuts a script on semicolons outside single-quoted
// literals, drops "--" line comments and skips blank statements.
func splitStatements(script string) []string {
	var (
		out       []string
		cur       strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case inComment:
			if c == '\n' {
				inComment = false
				cur.WriteByte(c)
			}
		case !inString && c == '-' && i+1 < len(script) && script[i+1] == '-':
			inComment = true
			i++
		case c == '\'':
			inString = !inString
			cur.WriteByte(c)
		case c == ';' && !inString:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
