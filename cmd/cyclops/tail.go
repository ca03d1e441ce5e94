package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/events"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow orchestrator events from the Redis stream",
	RunE:  runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Redis.URL == "" {
		return errors.New("tail needs database.redis.url")
	}

	rs, err := events.NewRedisStream(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, zap.NewNop())
	if err != nil {
		return err
	}
	defer rs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for ev := range rs.Subscribe(ctx) {
		line := fmt.Sprintf("%s [%s] %s", ev.Timestamp.Format("15:04:05"), ev.Engine, ev.Kind)
		if ev.Cycle > 0 {
			line += fmt.Sprintf(" cycle=%d", ev.Cycle)
		}
		if ev.Phase != "" {
			line += " phase=" + ev.Phase
		}
		if ev.Message != "" {
			line += " " + ev.Message
		}
		fmt.Println(line)
	}
	return nil
}
