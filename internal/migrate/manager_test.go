package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitStatementsDollarQuoting(t *testing.T) {
	sql := `
create table t (id text primary key);

create or replace function t_immutable() returns trigger as $$
begin
    raise exception 'append-only; no rewrites';
end;
$$ language plpgsql;

create trigger t_guard before update on t for each row execute function t_immutable();
`
	stmts := splitStatements(sql)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "raise exception") {
		t.Fatalf("function body split apart: %q", stmts[1])
	}
}

func TestSplitStatementsQuotedSemicolon(t *testing.T) {
	stmts := splitStatements(`insert into t values ('a;b'); select 1;`)
	if len(stmts) != 2 {
		t.Fatalf("statements = %d, want 2: %q", len(stmts), stmts)
	}
}

func TestCollectSQLOrdering(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	files, err := collectSQL(dir, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 2 || files[0].Base != "0001_a.up.sql" || files[1].Base != "0002_b.up.sql" {
		t.Fatalf("files = %+v", files)
	}

	missing, err := collectSQL(filepath.Join(dir, "missing"), ".sql")
	if err != nil {
		t.Fatalf("missing dir: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing dir returned %+v", missing)
	}
}
