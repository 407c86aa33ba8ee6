package conductor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/funvibe/conductor/internal/vm"
	conductor "github.com/funvibe/conductor/pkg/embed"
)

const appModule = `
module: app
functions:
  main:
    args: [n]
    steps:
      - call:
          fn: host.double
          args: ["{n}"]
      - say: doubled {result}
      - wait: 2ms
      - return: "{result}"
  greet:
    args: [who]
    steps:
      - call:
          fn: host.greeting
          args: ["{who}"]
      - return: "{result}"
  broken:
    steps:
      - call: host.fail
`

// User represents a Go struct updated from scripts
type User struct {
	Name  string
	Score int
}

func (u *User) AddScore(points int) {
	u.Score += points
}

func newRuntime(t *testing.T) (*conductor.Runtime, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	rt, err := conductor.New(conductor.Options{Output: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)

	if err := rt.Bind("double", func(x int) int { return x * 2 }); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	user := &User{Name: "Alice", Score: 10}
	if err := rt.Bind("greeting", func(name string) string {
		user.AddScore(5)
		return fmt.Sprintf("User %s greeted by %s, %d points", user.Name, name, user.Score)
	}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := rt.Bind("fail", func() error { return errors.New("nope") }); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := rt.LoadModuleSource("app.yaml", []byte(appModule)); err != nil {
		t.Fatalf("LoadModuleSource: %v", err)
	}
	return rt, &out
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEmbedAPI(t *testing.T) {
	rt, out := newRuntime(t)

	res, err := rt.Call(testContext(t), "main", 21)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res != "42" {
		t.Errorf("Expected 42, got %v", res)
	}
	if out.String() != "doubled 42\n" {
		t.Errorf("output = %q", out.String())
	}

	res, err = rt.Call(testContext(t), "app.greet", "Bob")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res != "User Alice greeted by Bob, 15 points" {
		t.Errorf("got %v", res)
	}
}

func TestGoAndDrain(t *testing.T) {
	rt, out := newRuntime(t)

	var futures []*vm.Future
	for i := 1; i <= 3; i++ {
		f, err := rt.Go("main", i)
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
		futures = append(futures, f)
	}
	if err := rt.Drain(testContext(t)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for i, f := range futures {
		r, ok := f.Result()
		if !ok {
			t.Fatalf("future %d unresolved after Drain", i)
		}
		if want := fmt.Sprint((i + 1) * 2); r.Value != want {
			t.Errorf("future %d = %v, want %s", i, r.Value, want)
		}
	}
	if got := strings.Count(out.String(), "doubled"); got != 3 {
		t.Errorf("output has %d lines, want 3: %q", got, out.String())
	}
	// every context went back to the pool
	if n := rt.VM().Pool().Len(); n < 3 {
		t.Errorf("pool holds %d contexts, want at least 3", n)
	}
}

func TestHostErrors(t *testing.T) {
	rt, _ := newRuntime(t)
	rt.VM().SetExceptionHandler(func(*vm.Context, *vm.ScriptError) {})

	_, err := rt.Call(testContext(t), "broken")
	var se *vm.ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if se.Message != "fail: nope" {
		t.Errorf("message = %q", se.Message)
	}

	_, err = rt.Call(testContext(t), "main", "many")
	if !errors.As(err, &se) || !strings.Contains(se.Message, `"many" is not a valid int`) {
		t.Errorf("conversion error = %v", err)
	}

	if _, err := rt.Call(testContext(t), "nothing"); !errors.Is(err, vm.ErrUnknownFunction) {
		t.Errorf("unknown function: %v", err)
	}
	if err := rt.Bind("x", 42); !errors.Is(err, vm.ErrInvalidArg) {
		t.Errorf("Bind non-function: %v", err)
	}
}

func TestLoadModule(t *testing.T) {
	tmpDir := t.TempDir()
	src := "functions:\n  hello:\n    steps:\n      - return: hello from file\n"
	path := filepath.Join(tmpDir, "lib.yaml")
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	rt, err := conductor.New(conductor.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	m, err := rt.LoadModule(path)
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if m.Name() != "lib" {
		t.Errorf("module name = %q", m.Name())
	}
	res, err := rt.Call(context.Background(), "lib.hello")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res != "hello from file" {
		t.Errorf("Expected 'hello from file', got '%v'", res)
	}
}
