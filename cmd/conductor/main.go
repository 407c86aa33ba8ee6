package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/funvibe/conductor/internal/config"
)

const usage = `Usage:
  %[1]s run [-debug] [-list] [-stats] [-config file] [-session name] <module.yaml> [entry] [args...]
  %[1]s serve [-debug] [-config file] [-listen addr] <module.yaml>...
  %[1]s sessions [-config file] [delete <name>]
  %[1]s help
`

func printUsage() {
	fmt.Fprintf(os.Stderr, usage, filepath.Base(os.Args[0]))
}

func main() {
	// Catch panics and show user-friendly error
	defer func() {
		if r := recover(); r != nil {
			if os.Getenv("DEBUG") == "1" {
				panic(r)
			}
			fmt.Fprintf(os.Stderr, "Internal error: %v\n", r)
			fmt.Fprintln(os.Stderr, "This is a bug. Please report it.")
			os.Exit(1)
		}
	}()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "help", "-help", "--help", "-h":
		printUsage()
		return
	case "run":
		err = handleRun(os.Args[2:])
	case "serve":
		err = handleServe(os.Args[2:])
	case "sessions":
		err = handleSessions(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the file given with -config, or the nearest
// conductor.yaml above dir, and configures logging from it.
func loadConfig(path, dir string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path, dir)
	if err != nil {
		return nil, err
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logFile)
	return cfg, nil
}
