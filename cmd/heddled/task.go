// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/heddle/pkg/autonomy"
	"github.com/teradata-labs/heddle/pkg/hub"
	"github.com/teradata-labs/heddle/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Drive autonomous tasks",
}

var taskStartCmd = &cobra.Command{
	Use:   "start <session> <goal>",
	Short: "Run a task in the foreground, streaming loop events",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID := args[0]
		goal := strings.Join(args[1:], " ")
		autonomyFlag, _ := cmd.Flags().GetString("autonomy")
		withHub(func(ctx context.Context, h *hub.Hub) error {
			if autonomyFlag != "" {
				level, err := types.ParseAutonomyLevel(autonomyFlag)
				if err != nil {
					return err
				}
				if err := h.SetAutonomyLevel(sessionID, level); err != nil {
					return err
				}
			}
			if err := h.StartTask(ctx, sessionID, goal); err != nil {
				return err
			}
			return followTask(ctx, h, sessionID)
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Flag a session's running task for abort",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHub(func(ctx context.Context, h *hub.Hub) error {
			return h.Cancel(args[0])
		})
	},
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect composed context",
}

var contextShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show the session's last snapshot with per-layer attribution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHub(func(ctx context.Context, h *hub.Hub) error {
			rec, err := h.Restore(ctx, args[0], 0)
			if err != nil {
				return err
			}
			fmt.Printf("session %s, snapshot v%d (%s), %d/%d tokens\n\n",
				rec.SessionID, rec.Version, rec.CreatedAt.Format("2006-01-02 15:04:05"),
				rec.Snapshot.TotalTokens, rec.Snapshot.Budget)
			fmt.Println(rec.Snapshot.Attribution())
			return nil
		})
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage long-term memory",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store a memory item",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tags, _ := cmd.Flags().GetStringSlice("tag")
		withHub(func(ctx context.Context, h *hub.Hub) error {
			id, err := h.Remember(ctx, strings.Join(args, " "), tags)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory items",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tags, _ := cmd.Flags().GetStringSlice("tag")
		limit, _ := cmd.Flags().GetInt("limit")
		withHub(func(ctx context.Context, h *hub.Hub) error {
			items, err := h.Search(ctx, strings.Join(args, " "), tags, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, item := range items {
				line := item.Content
				if len(line) > 100 {
					line = line[:97] + "..."
				}
				fmt.Printf("%s  [%s]  %s\n", item.ID, strings.Join(item.Tags, ","), line)
			}
			return nil
		})
	},
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Tombstone a memory item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHub(func(ctx context.Context, h *hub.Hub) error {
			return h.Forget(ctx, args[0])
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage session snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <session>",
	Short: "List a session's snapshot versions",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withHub(func(ctx context.Context, h *hub.Hub) error {
			versions, err := h.Versions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Println("no snapshots")
				return nil
			}
			for _, v := range versions {
				fmt.Printf("v%-4d %s  %d tokens\n",
					v.Version, v.CreatedAt.Format("2006-01-02 15:04:05"), v.TotalTokens)
			}
			return nil
		})
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <session> [version]",
	Short: "Print a saved snapshot (latest when no version is given)",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		var version int64
		if len(args) == 2 {
			parsed, err := strconv.ParseInt(args[1], 10, 64)
			exitOnError(err)
			version = parsed
		}
		withHub(func(ctx context.Context, h *hub.Hub) error {
			rec, err := h.Restore(ctx, args[0], version)
			if err != nil {
				return err
			}
			fmt.Print(rec.Snapshot.Render())
			return nil
		})
	},
}

func init() {
	taskStartCmd.Flags().String("autonomy", "", "autonomy level for this session (low, medium, high)")
	taskCmd.AddCommand(taskStartCmd, taskCancelCmd)

	contextCmd.AddCommand(contextShowCmd)

	memoryAddCmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
	memorySearchCmd.Flags().StringSlice("tag", nil, "filter tag (repeatable)")
	memorySearchCmd.Flags().Int("limit", 10, "maximum results")
	memoryCmd.AddCommand(memoryAddCmd, memorySearchCmd, memoryForgetCmd)

	snapshotCmd.AddCommand(snapshotListCmd, snapshotRestoreCmd)

	rootCmd.AddCommand(taskCmd, contextCmd, memoryCmd, snapshotCmd)
}

// withHub builds the hub from the loaded config, runs fn, and closes it.
func withHub(fn func(ctx context.Context, h *hub.Hub) error) {
	logger, err := buildLogger(config.Logging)
	exitOnError(err)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, config.HubConfig(logger))
	exitOnError(err)
	defer func() { _ = h.Close() }()

	if err := h.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning: tool servers unavailable:", err)
	}
	exitOnError(fn(ctx, h))
}

// followTask prints loop events until the session's task reaches a terminal
// state. Ctrl-C flags cancellation and keeps following until the loop stops
// at the next boundary.
func followTask(ctx context.Context, h *hub.Hub, sessionID string) error {
	cancelled := false
	for {
		select {
		case ev := <-h.Events():
			if ev.SessionID != sessionID {
				continue
			}
			if ev.Message != "" {
				fmt.Printf("[%s] %s: %s\n", ev.State, ev.Type, ev.Message)
			} else {
				fmt.Printf("[%s] %s\n", ev.State, ev.Type)
			}
			switch ev.Type {
			case autonomy.EventTaskDone:
				return nil
			case autonomy.EventTaskFailed:
				return fmt.Errorf("task failed: %s", ev.Message)
			}
		case <-ctx.Done():
			if cancelled {
				return ctx.Err()
			}
			cancelled = true
			fmt.Fprintln(os.Stderr, "cancelling; the in-flight step will finish first")
			if err := h.Cancel(sessionID); err != nil {
				return err
			}
			// Keep draining events with a fresh signal context so a second
			// Ctrl-C exits immediately.
			var stop context.CancelFunc
			ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
		}
	}
}
