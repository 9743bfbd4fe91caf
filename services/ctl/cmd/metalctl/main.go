package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"metald/services/ctl"
	"metald/services/workflow"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "metalctl",
		Short:         "Utility for driving metald provisioning workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", envDefault("METALD_API", "http://localhost:8080"), "Base URL of the metald API")

	cmd.AddCommand(newProvisionCommand(&apiBase))
	cmd.AddCommand(newBatchCommand(&apiBase))
	cmd.AddCommand(newStatusCommand(&apiBase))
	cmd.AddCommand(newCancelCommand(&apiBase))
	cmd.AddCommand(newListCommand(&apiBase))
	cmd.AddCommand(newWatchCommand(&apiBase))
	return cmd
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func clientFor(apiBase *string) (*ctl.Client, error) {
	return ctl.New(*apiBase)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newProvisionCommand(apiBase *string) *cobra.Command {
	var (
		pipeline   string
		serverID   string
		deviceType string
		targetIP   string
		noStart    bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create and start a workflow for one server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(serverID)
			if err != nil {
				return fmt.Errorf("invalid server id: %w", err)
			}

			view, err := client.Create(ctx, pipeline, ctl.Server{
				ServerID:   id,
				DeviceType: deviceType,
				TargetIP:   targetIP,
			}, !noStart)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s (%s) %s\n", view.ID, view.Pipeline, view.Status)

			if watch && !noStart {
				return watchWorkflow(ctx, client, view.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "provision", "Pipeline to run")
	cmd.Flags().StringVar(&serverID, "server", "", "Target server UUID")
	cmd.Flags().StringVar(&deviceType, "device-type", "", "Device type matching a template entry")
	cmd.Flags().StringVar(&targetIP, "target-ip", "", "Management address, skipping commissioning discovery")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "Create the workflow without starting it")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream progress events until the workflow finishes")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("device-type")
	return cmd
}

func newBatchCommand(apiBase *string) *cobra.Command {
	var (
		pipeline    string
		deviceType  string
		maxParallel int
	)

	cmd := &cobra.Command{
		Use:   "batch <server-uuid>...",
		Short: "Create and start workflows for many servers with bounded parallelism",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}

			servers := make([]ctl.Server, 0, len(args))
			for _, raw := range args {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid server id %q: %w", raw, err)
				}
				servers = append(servers, ctl.Server{ServerID: id, DeviceType: deviceType})
			}

			ids, err := client.StartBatch(ctx, pipeline, servers, maxParallel)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "provision", "Pipeline to run")
	cmd.Flags().StringVar(&deviceType, "device-type", "", "Device type matching a template entry")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "Maximum workflows running at once")
	_ = cmd.MarkFlagRequired("device-type")
	return cmd
}

func newStatusCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workflow-uuid>",
		Short: "Show the current snapshot of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id: %w", err)
			}

			view, err := client.Status(ctx, id)
			if err != nil {
				return err
			}
			printView(view)
			return nil
		},
	}
	return cmd
}

func newCancelCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <workflow-uuid>",
		Short: "Request cooperative cancellation of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id: %w", err)
			}

			view, err := client.Cancel(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %s %s\n", view.ID, view.Status)
			return nil
		},
	}
	return cmd
}

func newListCommand(apiBase *string) *cobra.Command {
	var (
		status   string
		serverID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, optionally filtered by status or server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}

			filterID := uuid.Nil
			if serverID != "" {
				filterID, err = uuid.Parse(serverID)
				if err != nil {
					return fmt.Errorf("invalid server id: %w", err)
				}
			}

			views, err := client.List(ctx, status, filterID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPIPELINE\tSERVER\tSTATUS\tSTEP\tPROGRESS")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d%%\n",
					v.ID, v.Pipeline, v.ServerID, v.Status, v.CurrentStep, v.Progress)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by workflow status")
	cmd.Flags().StringVar(&serverID, "server", "", "Filter by server UUID")
	return cmd
}

func newWatchCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <workflow-uuid>",
		Short: "Stream progress events for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client, err := clientFor(apiBase)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id: %w", err)
			}
			return watchWorkflow(ctx, client, id)
		},
	}
	return cmd
}

func watchWorkflow(ctx context.Context, client *ctl.Client, id uuid.UUID) error {
	return client.Watch(ctx, id, func(ev workflow.Event) {
		switch ev.Kind {
		case workflow.EventStepStarted:
			fmt.Printf("%s  step %s started\n", ev.Time.Format("15:04:05"), ev.Step)
		case workflow.EventStepFinished:
			outcome := "ok"
			if !ev.Success {
				outcome = "failed"
			}
			fmt.Printf("%s  step %s %s\n", ev.Time.Format("15:04:05"), ev.Step, outcome)
		case workflow.EventSubTask:
			fmt.Printf("%s    %s\n", ev.Time.Format("15:04:05"), ev.SubTask)
		case workflow.EventProgress:
			fmt.Printf("%s    %d%%\n", ev.Time.Format("15:04:05"), ev.Progress)
		case workflow.EventStatus:
			fmt.Printf("%s  status %s\n", ev.Time.Format("15:04:05"), ev.Status)
		}
	})
}

func printView(view workflow.StatusView) {
	fmt.Printf("ID:        %s\n", view.ID)
	fmt.Printf("Pipeline:  %s\n", view.Pipeline)
	fmt.Printf("Server:    %s\n", view.ServerID)
	fmt.Printf("Status:    %s\n", view.Status)
	if view.CurrentStep != "" {
		fmt.Printf("Step:      %s\n", view.CurrentStep)
	}
	if view.SubTask != "" {
		fmt.Printf("Sub-task:  %s\n", view.SubTask)
	}
	fmt.Printf("Progress:  %d%%\n", view.Progress)
	if view.Error != nil {
		fmt.Printf("Error:     [%s] %s\n", view.Error.Kind, view.Error.Message)
		if view.Error.Hint != "" {
			fmt.Printf("Hint:      %s\n", view.Error.Hint)
		}
	}
}
