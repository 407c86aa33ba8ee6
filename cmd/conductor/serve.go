package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/funvibe/conductor/internal/remote"
	"github.com/funvibe/conductor/internal/vm"
	conductor "github.com/funvibe/conductor/pkg/embed"
)

func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "attach a debugger controlled by clients")
	cfgPath := fs.String("config", "", "configuration file (default: nearest conductor.yaml)")
	listen := fs.String("listen", "", "address of the control service")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printUsage()
		return errors.New("serve needs at least one module file")
	}

	cfg, err := loadConfig(*cfgPath, filepath.Dir(fs.Arg(0)))
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Remote.Listen = *listen
	}

	rt, err := conductor.New(conductor.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer rt.Close()
	for _, path := range fs.Args() {
		if _, err := rt.LoadModule(path); err != nil {
			return err
		}
	}

	var dbg *vm.Debugger
	if *debug || cfg.Debugger.Enabled {
		dbg = vm.NewDebugger()
		for _, loc := range cfg.Debugger.BreakPoints {
			if err := addBreakPoint(dbg, loc); err != nil {
				return err
			}
		}
	}
	srv, err := remote.NewServer(rt.VM(), dbg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Remote.Listen)
	})
	g.Go(func() error {
		if err := rt.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})
	return g.Wait()
}
