package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/varie-ai/varie/internal/config"
	"github.com/varie-ai/varie/internal/control"
	"github.com/varie-ai/varie/internal/protocol"
)

// Per-command response timeouts. Route can block on worker auto-creation
// plus a 30s readiness wait, so it gets the long one.
const (
	routeTimeout    = 60 * time.Second
	dispatchTimeout = 10 * time.Second
	queryTimeout    = 5 * time.Second
)

func main() {
	var dev bool

	root := &cobra.Command{
		Use:   "varie",
		Short: "varie daemon control utility",
		Long:  "Talks to the local varied daemon over its unix control socket.",
	}
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use the dev control socket")

	root.AddCommand(
		statusCmd(&dev),
		workersCmd(&dev),
		routeCmd(&dev),
		dispatchCmd(&dev),
		createCmd(&dev),
		discoverCmd(&dev),
		logCmd(&dev),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client(dev bool) *control.Client {
	return control.NewClient(config.SocketPath(dev))
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func statusCmd(dev *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Daemon liveness and identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			descPath, err := config.DescriptorPath()
			if err != nil {
				return err
			}
			desc, err := control.ReadDescriptor(descPath)
			if err != nil {
				return fmt.Errorf("daemon not running (no descriptor): %w", err)
			}

			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeListWorkers}, queryTimeout)
			if err != nil {
				return fmt.Errorf("daemon descriptor present but socket dead: %w", err)
			}

			fmt.Printf("varied %s (pid %d)\n", desc.Version, desc.PID)
			fmt.Printf("socket:  %s\n", desc.SocketPath)
			fmt.Printf("started: %s\n", desc.StartedAt)
			fmt.Printf("workers: %d\n", len(resp.Workers))
			return nil
		},
	}
}

func workersCmd(dev *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List worker sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeListWorkers}, queryTimeout)
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			if !isTTY() {
				return json.NewEncoder(os.Stdout).Encode(resp.Workers)
			}
			if len(resp.Workers) == 0 {
				fmt.Println("no workers")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREPO\tKIND\tTASK\tLAST ACTIVITY")
			for _, w := range resp.Workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.ID, w.Repo, w.Kind, w.TaskID, w.LastActivity)
			}
			return tw.Flush()
		},
	}
}

func routeCmd(dev *bool) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "route <query> <message>",
		Short: "Deliver a message to the best-matching worker, creating one if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(protocol.RoutePayload{
				Query:             args[0],
				Message:           args[1],
				ConfirmBeforeSend: confirm,
			})
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeRoute, Payload: payload}, routeTimeout)
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				if len(resp.Suggestions) > 0 {
					fmt.Fprintf(os.Stderr, "did you mean: %v\n", resp.Suggestions)
				}
				return fmt.Errorf("%s", resp.Message)
			}
			if resp.Created {
				fmt.Printf("created worker %s (%s)\n", resp.TargetSessionID, resp.SessionRepo)
			}
			fmt.Printf("delivered to %s\n", resp.TargetSessionID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "type the message into the session without sending it")
	return cmd
}

func dispatchCmd(dev *bool) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "dispatch <session-id> <message>",
		Short: "Deliver a message to one session by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(protocol.DispatchPayload{
				TargetSessionID:   args[0],
				Message:           args[1],
				ConfirmBeforeSend: confirm,
			})
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeDispatch, Payload: payload}, dispatchTimeout)
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Printf("delivered to %s\n", resp.TargetSessionID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "type the message into the session without sending it")
	return cmd
}

func createCmd(dev *bool) *cobra.Command {
	var taskID, flags string
	cmd := &cobra.Command{
		Use:   "create <repo> <path>",
		Short: "Create a worker session for a repo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(protocol.CreateWorkerPayload{
				Repo:        args[0],
				RepoPath:    args[1],
				TaskID:      taskID,
				ClaudeFlags: flags,
			})
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeCreateWorker, Payload: payload}, dispatchTimeout)
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Println(resp.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id to associate with the worker")
	cmd.Flags().StringVar(&flags, "flags", "", "extra assistant startup flags")
	return cmd
}

func discoverCmd(dev *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "discover [path]",
		Short: "Scan for repos and merge them into the projects index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p protocol.DiscoverPayload
			if len(args) == 1 {
				p.Path = args[0]
			}
			payload, _ := json.Marshal(p)
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeDiscoverProjects, Payload: payload}, routeTimeout)
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			if len(resp.ProjectsAdded) == 0 {
				fmt.Println("no new projects")
				return nil
			}
			for _, name := range resp.ProjectsAdded {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func logCmd(dev *bool) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent checkpoint-journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(protocol.RecentEventsPayload{Limit: limit})
			resp, err := client(*dev).Do(&protocol.Frame{Type: protocol.TypeRecentEvents, Payload: payload}, queryTimeout)
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			if !isTTY() {
				return json.NewEncoder(os.Stdout).Encode(resp.Events)
			}
			for _, e := range resp.Events {
				detail := e.Detail
				if detail != "" {
					detail = "  " + detail
				}
				fmt.Printf("%s  %-16s %s%s\n", e.CreatedAt, e.Type, shortID(e.SessionID), detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func checkResponse(resp *protocol.Response) error {
	if resp.Status != "ok" {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}
