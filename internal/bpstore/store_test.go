package bpstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/funvibe/conductor/internal/vm"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "bp.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openTemp(t)
	bps := []vm.BreakPoint{
		{ID: 3, File: "demo.yaml", Line: 10},
		{ID: 4, File: "demo.yaml", Line: 3, Function: "main", NeedsAdjusting: true},
		{ID: 7, Function: "helper", FunctionPending: true},
	}
	if err := s.SaveBreakPoints("work", bps); err != nil {
		t.Fatalf("SaveBreakPoints: %v", err)
	}

	got, err := s.LoadBreakPoints("work")
	if err != nil {
		t.Fatalf("LoadBreakPoints: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d breakpoints, want 3", len(got))
	}
	if got[0].File != "demo.yaml" || got[0].Line != 10 || got[0].Function != "" {
		t.Errorf("bp 0 = %+v", got[0])
	}
	if got[1].Function != "main" || got[1].File != "" || got[1].Line != 0 {
		t.Errorf("function breakpoint kept its resolved location: %+v", got[1])
	}
	if got[2].Function != "helper" {
		t.Errorf("bp 2 = %+v", got[2])
	}
}

func TestSaveReplaces(t *testing.T) {
	s := openTemp(t)
	if err := s.SaveBreakPoints("a", []vm.BreakPoint{{File: "x.yaml", Line: 1}, {File: "x.yaml", Line: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBreakPoints("a", []vm.BreakPoint{{File: "y.yaml", Line: 5}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadBreakPoints("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].File != "y.yaml" {
		t.Errorf("got %+v", got)
	}
}

func TestEmptySessionIsKept(t *testing.T) {
	s := openTemp(t)
	if err := s.SaveBreakPoints("empty", nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadBreakPoints("empty")
	if err != nil {
		t.Fatalf("LoadBreakPoints: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestUnknownSession(t *testing.T) {
	s := openTemp(t)
	if _, err := s.LoadBreakPoints("nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
	if err := s.DeleteSession("nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
	if err := s.SaveBreakPoints("", nil); !errors.Is(err, vm.ErrInvalidArg) {
		t.Errorf("err = %v, want ErrInvalidArg", err)
	}
}

func TestSessions(t *testing.T) {
	s := openTemp(t)
	if err := s.SaveBreakPoints("one", []vm.BreakPoint{{File: "a.yaml", Line: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBreakPoints("two", []vm.BreakPoint{{File: "a.yaml", Line: 1}, {Function: "f"}}); err != nil {
		t.Fatal(err)
	}
	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	counts := map[string]int{}
	for _, sess := range sessions {
		counts[sess.Name] = sess.Count
		if sess.SavedAt.IsZero() {
			t.Errorf("%s has no save time", sess.Name)
		}
	}
	if counts["one"] != 1 || counts["two"] != 2 {
		t.Errorf("counts = %v", counts)
	}

	if err := s.DeleteSession("one"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	sessions, _ = s.Sessions()
	if len(sessions) != 1 || sessions[0].Name != "two" {
		t.Errorf("sessions after delete = %+v", sessions)
	}
}

func TestDebuggerRoundTrip(t *testing.T) {
	s := openTemp(t)
	d := vm.NewDebugger()
	if _, err := d.AddBreakPoint("demo.yaml", 12); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddFunctionBreakPoint("greet"); err != nil {
		t.Fatal(err)
	}
	if err := d.SaveBreakPoints(s, "dbg"); err != nil {
		t.Fatalf("SaveBreakPoints: %v", err)
	}

	fresh := vm.NewDebugger()
	n, err := fresh.LoadBreakPoints(s, "dbg")
	if err != nil {
		t.Fatalf("LoadBreakPoints: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d, want 2", n)
	}
	bps := fresh.BreakPoints()
	if bps[0].Line != 12 || !bps[1].FunctionPending || bps[1].Function != "greet" {
		t.Errorf("breakpoints = %+v", bps)
	}
}
