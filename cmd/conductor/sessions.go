package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/funvibe/conductor/internal/bpstore"
)

func handleSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "configuration file (default: nearest conductor.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath, ".")
	if err != nil {
		return err
	}
	store, err := bpstore.Open(cfg.Debugger.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	if fs.NArg() == 2 && fs.Arg(0) == "delete" {
		if err := store.DeleteSession(fs.Arg(1)); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", fs.Arg(1))
		return nil
	}
	if fs.NArg() != 0 {
		printUsage()
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Printf("No saved sessions in %s\n", store.Path())
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tBREAKPOINTS\tSAVED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, humanize.Comma(int64(s.Count)), humanize.Time(s.SavedAt))
	}
	return w.Flush()
}
