package adapters

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/syncerr"
)

// stubRows feeds canned string rows through the pgx.Rows surface that
// readRecords consumes.
type stubRows struct {
	pgx.Rows

	rows    [][]string
	cursor  int
	started bool
	err     error
}

func (s *stubRows) Next() bool {
	if !s.started {
		s.started = true
		return len(s.rows) > 0
	}
	s.cursor++
	return s.cursor < len(s.rows)
}

func (s *stubRows) Scan(dest ...any) error {
	row := s.rows[s.cursor]
	if len(dest) != len(row) {
		return fmt.Errorf("scan wants %d columns, row has %d", len(dest), len(row))
	}
	for i, d := range dest {
		*d.(*string) = row[i]
	}
	return nil
}

func (s *stubRows) Err() error { return s.err }
func (s *stubRows) Close()     {}

func TestReadRecordsEmployeeColumns(t *testing.T) {
	rows := &stubRows{rows: [][]string{
		{"1001", "Jane", "Doe", "jane.doe@x.com", "555-0100", "Foreman", "Paving", "YARD1"},
		{"1002", "Bob", "Ray", "bob.ray@x.com", "", "", "", ""},
	}}

	recs, err := readRecords(entity.TypeEmployee, rows)
	if err != nil {
		t.Fatalf("readRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	emp, ok := recs[0].(*entity.Employee)
	if !ok {
		t.Fatalf("record type = %T", recs[0])
	}
	if emp.ID != "1001" || emp.Email != "jane.doe@x.com" || emp.Site != "YARD1" {
		t.Errorf("employee = %+v, columns mis-mapped", emp)
	}
}

func TestReadRecordsNamedLookup(t *testing.T) {
	rows := &stubRows{rows: [][]string{{"7", "Paving"}}}

	recs, err := readRecords(entity.TypeDepartment, rows)
	if err != nil {
		t.Fatalf("readRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID() != "7" || recs[0].Fields()["name"] != "Paving" {
		t.Errorf("records = %+v", recs)
	}
}

func TestReadRecordsSurfacesRowsError(t *testing.T) {
	// A result stream cut off mid-read reports via rows.Err after Next
	// returns false; that must surface as a dependency failure, not an
	// empty listing.
	rows := &stubRows{
		rows: [][]string{{"7", "Paving"}},
		err:  errors.New("stream interrupted"),
	}

	_, err := readRecords(entity.TypeDepartment, rows)
	if err == nil {
		t.Fatal("expected error from interrupted stream")
	}
	if !syncerr.Is(err, syncerr.CodeDependency) {
		t.Errorf("code = %s, want dependency_unavailable", syncerr.CodeOf(err))
	}
}
