// Command spotifreak runs the sync daemon and its control CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"spotifreak/internal/config"
	"spotifreak/internal/ipc"
	"spotifreak/internal/supervisor"
)

func main() {
	app := &cli.Command{
		Name:  "spotifreak",
		Usage: "schedule and supervise playlist sync tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Usage:   "Configuration directory",
				Value:   config.DefaultPaths().BaseDir,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			initCommand(),
			statusCommand(),
			controlCommand("start", "Force an immediate run of a sync"),
			controlCommand("pause", "Pause a sync's schedule"),
			controlCommand("resume", "Resume a paused sync"),
			controlCommand("delete", "Delete a sync and its persisted state"),
			historyCommand(),
			eventsCommand(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func pathsFor(cmd *cli.Command) config.Paths {
	return config.PathsFromBase(cmd.String("config-dir"))
}

// socketPath resolves the daemon socket, preferring the configured override
// so the CLI finds a daemon started with a custom config.
func socketPath(cmd *cli.Command) string {
	paths := pathsFor(cmd)
	if global, err := config.LoadGlobal(paths.GlobalConfig); err == nil {
		if s := global.Supervisor.IPCSocket; s != "" {
			return s
		}
	}
	return filepath.Join(paths.BaseDir, "spotifreak.sock")
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the daemon's registered syncs",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			resp, err := ipc.NewClient(socketPath(cmd)).Do(ipc.Request{Command: ipc.CommandStatus})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return errors.New(resp.Message)
			}
			if len(resp.Jobs) == 0 {
				fmt.Println("no syncs registered")
				return nil
			}
			fmt.Printf("%-20s %-22s %-12s %-20s %s\n", "ID", "TYPE", "SCHEDULE", "NEXT RUN", "STATE")
			for _, j := range resp.Jobs {
				fmt.Printf("%-20s %-22s %-12s %-20s %s\n",
					j.ID, j.Type, j.Schedule, formatNextRun(j.NextRun), jobState(j))
			}
			return nil
		},
	}
}

func jobState(j supervisor.JobStatus) string {
	switch {
	case j.Running:
		return "running"
	case j.Paused:
		return "paused"
	case j.Missed:
		return "missed"
	default:
		return "idle"
	}
}

func controlCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<sync-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("usage: spotifreak %s <sync-id>", name)
			}
			resp, err := ipc.NewClient(socketPath(cmd)).Do(ipc.Request{Command: name, SyncID: id})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return errors.New(resp.Message)
			}
			fmt.Printf("%s: %s\n", id, resp.Message)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show recent runs of a sync",
		ArgsUsage: "<sync-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of runs to show",
				Value:   ipc.DefaultHistoryLimit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("usage: spotifreak history <sync-id>")
			}
			resp, err := ipc.NewClient(socketPath(cmd)).Do(ipc.Request{
				Command: ipc.CommandHistory,
				SyncID:  id,
				Limit:   int(cmd.Int("limit")),
			})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return errors.New(resp.Message)
			}
			if len(resp.Runs) == 0 {
				fmt.Printf("no runs recorded for %s\n", id)
				return nil
			}
			for _, r := range resp.Runs {
				line := fmt.Sprintf("%s  %-12s  %s",
					r.StartedAt.Local().Format(time.DateTime),
					r.Status,
					r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
				if r.Attempts > 1 {
					line += fmt.Sprintf("  attempts=%d", r.Attempts)
				}
				if r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "Show recent run activity across syncs",
		ArgsUsage: "[sync-id]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of events to show",
				Value:   ipc.DefaultEventsLimit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			resp, err := ipc.NewClient(socketPath(cmd)).Do(ipc.Request{
				Command: ipc.CommandEvents,
				SyncID:  cmd.Args().First(),
				Limit:   int(cmd.Int("limit")),
			})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return errors.New(resp.Message)
			}
			if len(resp.Events) == 0 {
				fmt.Println("no recent events")
				return nil
			}
			for _, e := range resp.Events {
				line := fmt.Sprintf("%s  %-18s  %s",
					e.Time.Local().Format(time.DateTime), e.Type, e.SyncID)
				if e.Duration != "" {
					line += "  " + e.Duration
				}
				if e.Error != "" {
					line += "  " + e.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func formatNextRun(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
