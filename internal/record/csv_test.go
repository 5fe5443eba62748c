package record

import (
	"errors"
	"io"
	"strings"
	"testing"
)

const input = `Name,Ext__c,Note
Acme,1,plain
Globex,2,"has, comma"
Initech,3,"has ""quotes"""
Umbrella,4,
Hooli,5,last
`

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var rows []string
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, string(rec))
	}
}

func TestPartitionsCoverEveryRowOnce(t *testing.T) {
	t.Parallel()
	const count = 2
	seen := map[string]int{}
	for i := range count {
		r, err := NewReader(strings.NewReader(input), i, count)
		if err != nil {
			t.Fatal(err)
		}
		if string(r.Header()) != "Name,Ext__c,Note" {
			t.Errorf("header = %q", r.Header())
		}
		for _, row := range readAll(t, r) {
			seen[row]++
		}
	}
	if len(seen) != 5 {
		t.Errorf("saw %d distinct rows, want 5: %v", len(seen), seen)
	}
	for row, n := range seen {
		if n != 1 {
			t.Errorf("row %q read %d times", row, n)
		}
	}
}

func TestRoundRobinAssignment(t *testing.T) {
	t.Parallel()
	r, err := NewReader(strings.NewReader(input), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	rows := readAll(t, r)
	want := []string{`Globex,2,"has, comma"`, "Umbrella,4,"}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %q, want %q", i, rows[i], want[i])
		}
	}
}

func TestQuotingIsPreserved(t *testing.T) {
	t.Parallel()
	r, _ := NewReader(strings.NewReader(input), 0, 1)
	rows := readAll(t, r)
	if rows[2] != `Initech,3,"has ""quotes"""` {
		t.Errorf("row = %q", rows[2])
	}
}

func TestInvalidInput(t *testing.T) {
	t.Parallel()
	if _, err := NewReader(strings.NewReader(""), 0, 1); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := NewReader(strings.NewReader(input), 2, 2); err == nil {
		t.Error("expected error for out-of-range partition")
	}

	r, _ := NewReader(strings.NewReader("a,b\n1,2\n3\n"), 0, 1)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected field count error, got %v", err)
	}
}
