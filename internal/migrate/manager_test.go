package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/0001_a.up.sql":   {Data: []byte("create table a(id int);")},
		"migrations/0001_a.down.sql": {Data: []byte("drop table a;")},
		"migrations/0002_b.up.sql":   {Data: []byte("create table b(id int); -- b's rows\ninsert into b values (1);")},
		"migrations/README.md":       {Data: []byte("ignored")},
		"seeds/0001_demo.sql":        {Data: []byte("insert into a values (42);")},
	}
}

func newMock(t *testing.T) (sqlmock.Sqlmock, func(fstest.MapFS) *Manager) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return mock, func(fsys fstest.MapFS) *Manager {
		return NewManager(db, fsys, "migrations", "seeds")
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func appliedRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func TestUpRecordsInsideTransaction(t *testing.T) {
	mock, open := newMock(t)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(appliedRows("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b values").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := open(testFS()).Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
}

func TestUpFailureLeavesNoRecord(t *testing.T) {
	mock, open := newMock(t)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("relation exists"))
	mock.ExpectRollback()

	err := open(testFS()).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected error naming the migration, got %v", err)
	}
}

func TestDownRevertsHighestVersion(t *testing.T) {
	mock, open := newMock(t)
	fsys := testFS()
	fsys["migrations/0002_b.down.sql"] = &fstest.MapFile{Data: []byte("drop table b;")}

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows("0002_b.up.sql", "0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := open(fsys).Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
}

func TestDownMissingFile(t *testing.T) {
	mock, open := newMock(t)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows("0001_a.up.sql", "0002_b.up.sql"))

	err := open(testFS()).Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down migration error, got %v", err)
	}
}

func TestDownNothingApplied(t *testing.T) {
	mock, open := newMock(t)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(appliedRows())

	if err := open(testFS()).Down(context.Background()); !errors.Is(err, ErrNoMigrations) {
		t.Fatalf("expected ErrNoMigrations, got %v", err)
	}
}

func TestStatusListsPending(t *testing.T) {
	mock, open := newMock(t)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(appliedRows("0001_a.up.sql"))

	states, err := open(testFS()).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %v", states)
	}
	if !states[0].Applied || states[0].Version != 1 || !states[0].Reversible() {
		t.Fatalf("unexpected first state: %+v", states[0])
	}
	if states[1].Applied || states[1].String() != "pending  0002_b.up.sql" {
		t.Fatalf("unexpected second state: %q", states[1].String())
	}
}

func TestPlanRejectsBadLayouts(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {
			"migrations/create_a.sql": {Data: []byte("select 1;")},
		},
		"duplicate version": {
			"migrations/0001_a.up.sql": {Data: []byte("select 1;")},
			"migrations/0001_b.up.sql": {Data: []byte("select 1;")},
		},
		"orphan down": {
			"migrations/0003_c.down.sql": {Data: []byte("select 1;")},
		},
	}
	for name, fsys := range cases {
		m := NewManager(nil, fsys, "migrations", "seeds")
		if _, err := m.Plan(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	empty := NewManager(nil, fstest.MapFS{}, "migrations", "seeds")
	plan, err := empty.Plan()
	if err != nil || len(plan) != 0 {
		t.Fatalf("missing directory: plan=%v err=%v", plan, err)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	mock, open := newMock(t)
	m := open(testFS())

	expectTables(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("insert into a values").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").WithArgs("0001_demo.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	expectTables(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(appliedRows("0001_demo.sql"))
	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("second Seed: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("insert into t values ('a;b'); -- trailing; comment\nselect 1;\n\n;")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "insert into t values ('a;b')" {
		t.Fatalf("literal split: %q", got[0])
	}
	if got[1] != "select 1" {
		t.Fatalf("comment kept: %q", got[1])
	}
}
