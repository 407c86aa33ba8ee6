package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/funvibe/conductor/internal/bpstore"
	"github.com/funvibe/conductor/internal/config"
	"github.com/funvibe/conductor/internal/script"
	"github.com/funvibe/conductor/internal/vm"
	conductor "github.com/funvibe/conductor/pkg/embed"
)

func handleRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "start the interactive debugger")
	cfgPath := fs.String("config", "", "configuration file (default: nearest conductor.yaml)")
	session := fs.String("session", "", "breakpoint session to load")
	stats := fs.Bool("stats", false, "print execution statistics")
	list := fs.Bool("list", false, "print the compiled steps of the module and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printUsage()
		return errors.New("run needs a module file")
	}
	modulePath := fs.Arg(0)
	entry := config.DefaultEntry
	if fs.NArg() > 1 {
		entry = fs.Arg(1)
	}
	var callArgs []interface{}
	for _, a := range fs.Args()[min(2, fs.NArg()):] {
		callArgs = append(callArgs, a)
	}

	cfg, err := loadConfig(*cfgPath, filepath.Dir(modulePath))
	if err != nil {
		return err
	}
	if *session != "" {
		cfg.Debugger.Session = *session
	}

	var dbg *vm.Debugger
	if *debug || cfg.Debugger.Enabled {
		dbg = vm.NewDebugger()
	}
	rt, err := conductor.New(conductor.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer rt.Close()

	mod, err := rt.LoadModule(modulePath)
	if err != nil {
		return err
	}
	if *list {
		fmt.Print(script.Disassemble(mod))
		return nil
	}
	if !strings.Contains(entry, ".") {
		entry = mod.Name() + "." + entry
	}

	if dbg != nil {
		cli, err := startDebugger(rt.VM(), dbg, cfg)
		if err != nil {
			return err
		}
		defer cli.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	res, err := rt.Call(ctx, entry, callArgs...)
	if err != nil {
		var se *vm.ScriptError
		if errors.As(err, &se) && se.Trace != "" {
			fmt.Fprintf(os.Stderr, "%s\nCall stack:\n%s", se.Error(), se.Trace)
			return errors.New("script failed")
		}
		return err
	}
	// spawned calls may still be running
	if err := rt.Drain(ctx); err != nil {
		return err
	}
	if res != nil {
		fmt.Println(res)
	}
	if *stats {
		printStats(rt.VM(), time.Since(start))
	}
	return nil
}

// startDebugger wires the interactive debugger, its breakpoint store and the
// configured initial breakpoints.
func startDebugger(v *vm.VM, d *vm.Debugger, cfg *config.Config) (*vm.DebuggerCLI, error) {
	cli := vm.NewDebuggerCLI(d, v)
	cli.SetHistoryFile(cfg.Debugger.History)

	store, err := bpstore.Open(cfg.Debugger.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: breakpoint store unavailable: %s\n", err)
	} else {
		cli.SetStore(store, cfg.Debugger.Session)
		if n, err := d.LoadBreakPoints(store, cfg.Debugger.Session); err == nil {
			fmt.Printf("Loaded %d breakpoints from session %s\n", n, cfg.Debugger.Session)
		} else if !errors.Is(err, bpstore.ErrNoSession) {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", err)
		}
	}

	for _, loc := range cfg.Debugger.BreakPoints {
		if err := addBreakPoint(d, loc); err != nil {
			return nil, err
		}
	}
	if cfg.Debugger.BreakOnStart {
		d.SetAction(vm.ActionStepInto)
	}
	cli.Run()
	return cli, nil
}

// addBreakPoint parses "file:line" or a function name.
func addBreakPoint(d *vm.Debugger, loc string) error {
	if file, lineStr, ok := strings.Cut(loc, ":"); ok {
		line, err := strconv.Atoi(lineStr)
		if err != nil {
			return fmt.Errorf("breakpoint %q: invalid line number", loc)
		}
		_, err = d.AddBreakPoint(file, line)
		return err
	}
	_, err := d.AddFunctionBreakPoint(loc)
	return err
}

func printStats(v *vm.VM, elapsed time.Duration) {
	fmt.Fprintf(os.Stderr, "elapsed:   %s\n", elapsed.Round(time.Microsecond))
	fmt.Fprintf(os.Stderr, "contexts:  %s live, %d pooled\n", humanize.Comma(int64(len(v.Contexts()))), v.Pool().Len())
	fmt.Fprintf(os.Stderr, "modules:   %d\n", len(v.Modules()))
}
