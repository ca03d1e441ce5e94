package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current branch and progress from the state directory",
	RunE:  runStatus,
}

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archived branch states",
	RunE:  runArchives,
}

func init() {
	rootCmd.AddCommand(statusCmd, archivesCmd)
}

func openState() (*state.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	o := cfg.Orchestrator
	return state.NewManager(state.Options{
		StateDir:   o.StateDir,
		ArchiveDir: o.ArchiveDir,
		AuxFiles:   o.AuxFiles,
	}, state.FileStorage{}, zap.NewNop())
}

func runStatus(cmd *cobra.Command, args []string) error {
	sm, err := openState()
	if err != nil {
		return err
	}

	if marker, ok := sm.Marker(); ok {
		fmt.Printf("Branch: %s (since %s)\n", marker.Branch, marker.Timestamp.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Branch: none recorded")
	}

	p := sm.LoadProgress()
	succeeded := 0
	for _, c := range p.Cycles {
		if c.Success {
			succeeded++
		}
	}
	fmt.Printf("Started: %s\n", p.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("Cycles: %d (%d succeeded)\n", len(p.Cycles), succeeded)
	fmt.Printf("Patterns: %d\n\n", len(p.Patterns))

	if last, ok := p.LastCycle(); ok {
		fmt.Printf("Last cycle: %s\n", last.CycleID)
		fmt.Printf("    Success: %v\n", last.Success)
		fmt.Printf("    Output: %s\n", last.Output)
		if last.Error != "" {
			fmt.Printf("    Error: %s\n", last.Error)
		}
		fmt.Println()
	}
	for _, pat := range p.Patterns {
		fmt.Printf("  - %s\n", pat)
	}
	return nil
}

func runArchives(cmd *cobra.Command, args []string) error {
	sm, err := openState()
	if err != nil {
		return err
	}
	archives, err := sm.ListArchives()
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	if len(archives) == 0 {
		fmt.Println("No archives")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFILES\tPATH")
	for _, a := range archives {
		fmt.Fprintf(w, "%s\t%d\t%s\n", a.Name, len(a.Files), a.Path)
	}
	return w.Flush()
}
