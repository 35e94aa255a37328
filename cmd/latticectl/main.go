// Command latticectl is a thin operations CLI over a running fabric
// deployment: it opens System-context connections against the
// configured backend to inspect topic state, list cluster membership,
// and trigger manual snapshots, the scripting-friendly equivalent of
// the teacher's daemon-attached CLI scaled down to this fabric's
// surface (spec.md §6's external-collaborator boundary — latticectl
// consumes only the public Engine/TopicConnection API).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-run/lattice/internal/bootstrap"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/conn"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/engine"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "latticectl",
	Short: "latticectl - operations CLI for the lattice coordination fabric",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "lattice.yaml", "Path to lattice.yaml")
	rootCmd.AddCommand(membershipCmd, snapshotCmd, mapCmd, listCmd)
}

// withTopicConnection loads config, opens a backend + engine, attaches
// a System-context connection to topicID, runs fn, then tears
// everything down in reverse order.
func withTopicConnection(topicID string, fn func(ctx context.Context, top *conn.TopicConnection) error) error {
	cfg, err := config.LoadLatticeConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b, err := bootstrap.NewBackend(cfg)
	if err != nil {
		return fmt.Errorf("construct backend: %w", err)
	}
	defer b.Close()

	e := engine.New(b, nil)
	defer e.Shutdown()

	ctx := context.Background()
	reg, err := e.OpenTopicConnection(ctx, dispatch.NewSystemConnectionContext(), topicID, engine.UserInfo{ID: "latticectl", ColorIndex: -1}, nil)
	if err != nil {
		return fmt.Errorf("open topic connection: %w", err)
	}
	defer reg.Remove()

	return fn(ctx, reg.Connection())
}

var membershipCmd = &cobra.Command{
	Use:   "membership <topic>",
	Short: "List backend nodes and leader status for a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTopicConnection(args[0], func(_ context.Context, c *conn.TopicConnection) error {
			fmt.Printf("leader: %v\n", c.Topic().IsLeader())
			for i, n := range c.Topic().BackendNodes() {
				fmt.Printf("%d: %s\n", i, n)
			}
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <topic>",
	Short: "Force an out-of-cadence snapshot submission for a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTopicConnection(args[0], func(ctx context.Context, c *conn.TopicConnection) error {
			if err := c.Topic().TriggerSnapshot(ctx); err != nil {
				return fmt.Errorf("trigger snapshot: %w", err)
			}
			fmt.Println("snapshot submitted")
			return nil
		})
	},
}

var mapCmd = &cobra.Command{
	Use:   "map <topic> <map-name>",
	Short: "Print every key/value in a named map",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topicID, mapName := args[0], args[1]
		return withTopicConnection(topicID, func(_ context.Context, c *conn.TopicConnection) error {
			m := c.GetNamedMap(mapName)
			for _, key := range m.GetKeys() {
				v, ok := m.Get(key)
				if !ok {
					continue
				}
				fmt.Printf("%s = %s\n", key, string(v.Raw()))
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <topic> <list-name>",
	Short: "Print every item in a named list, head to tail",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topicID, listName := args[0], args[1]
		return withTopicConnection(topicID, func(_ context.Context, c *conn.TopicConnection) error {
			l := c.GetNamedList(listName)
			for i, v := range l.GetItems() {
				fmt.Printf("%d: %s\n", i, string(v.Raw()))
			}
			return nil
		})
	},
}
