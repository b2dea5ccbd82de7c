package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/warden/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskRepo     string
	taskAgent    string
	taskStrategy string
	taskBase     string
	taskActor    string
	listLimit    int
)

func init() {
	createCmd.Flags().StringVar(&taskRepo, "repo", "", "Logical repository identifier (required)")
	createCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent backend identifier")
	createCmd.Flags().StringVar(&taskStrategy, "strategy", "", "Delivery strategy: rolling or isolated")
	createCmd.Flags().StringVar(&taskBase, "base", "", "Base branch for the PR")
	createCmd.MarkFlagRequired("repo")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of tasks to list")

	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd, retryCmd, rerunCmd} {
		cmd.Flags().StringVar(&taskActor, "actor", "", "Acting user (defaults to current OS user)")
	}

	taskCmd.AddCommand(createCmd)
	taskCmd.AddCommand(getCmd)
	taskCmd.AddCommand(listCmd)
	taskCmd.AddCommand(approveCmd)
	taskCmd.AddCommand(rejectCmd)
	taskCmd.AddCommand(retryCmd)
	taskCmd.AddCommand(rerunCmd)
}

func actor() string {
	if taskActor != "" {
		return taskActor
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	host, _ := os.Hostname()
	return "cli@" + host
}

var createCmd = &cobra.Command{
	Use:   "create <intent>",
	Short: "Create a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		resp, err := client.createTask(map[string]string{
			"source":            "cli",
			"trigger_user":      actor(),
			"repo":              taskRepo,
			"intent":            strings.Join(args, " "),
			"agent":             taskAgent,
			"delivery_strategy": taskStrategy,
			"base_branch":       taskBase,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Task %s created (%s)\n", resp.Task.ID, resp.NextStatus)
		if resp.NeedsClarify {
			fmt.Printf("Needs clarification: %s\n", resp.Task.ClarifyReason)
			if resp.ExpectedPath != "" {
				fmt.Printf("Expected path: %s\n", resp.ExpectedPath)
			}
			if len(resp.Task.MissingFields) > 0 {
				fmt.Printf("Missing fields: %s\n", strings.Join(resp.Task.MissingFields, ", "))
			}
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		detail, err := client.getTask(args[0])
		if err != nil {
			return err
		}
		printTask(detail.Task)
		if detail.Stage != "" {
			fmt.Printf("Stage:     %s\n", detail.Stage)
		}
		if detail.RunResult != nil {
			printRunResult(detail.RunResult)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		tasks, err := client.listTasks(listLimit)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-20s %-12s %s\n", t.ID, t.Status, t.Repo, t.Intent)
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task and run it (blocks until the run settles)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		resp, err := client.applyAction(args[0], "approve", actor())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s: %s\n", resp.Task.ID, resp.Task.Status)
		if resp.RunResult != nil {
			printRunResult(resp.RunResult)
		}
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <task-id>",
	Short: "Reject a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		resp, err := client.applyAction(args[0], "reject", actor())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s: %s\n", resp.Task.ID, resp.Task.Status)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-check a task waiting on clarification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		resp, err := client.applyAction(args[0], "retry", actor())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s: %s\n", resp.Task.ID, resp.Task.Status)
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <task-id>",
	Short: "Clone a task into a fresh one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(apiAddr)
		resp, err := client.rerunTask(args[0], actor())
		if err != nil {
			return err
		}
		fmt.Printf("Task %s created (%s)\n", resp.Task.ID, resp.NextStatus)
		return nil
	},
}

func printTask(t *models.Task) {
	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Repo:      %s\n", t.Repo)
	fmt.Printf("Intent:    %s\n", t.Intent)
	fmt.Printf("Branch:    %s (base %s, %s)\n", t.Branch, t.BaseBranch, t.DeliveryStrategy)
	fmt.Printf("Requested: %s by %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"), t.TriggerUser)
	if t.ApprovedBy != "" {
		fmt.Printf("Approved:  %s\n", t.ApprovedBy)
	}
	if t.ClarifyReason != "" {
		fmt.Printf("Clarify:   %s (missing: %s)\n", t.ClarifyReason, strings.Join(t.MissingFields, ", "))
	}
}

func printRunResult(r *models.RunResult) {
	fmt.Printf("Tests:     %s\n", r.TestsResult)
	fmt.Printf("Diff:      has_diff=%v files=%d hash=%s\n", r.HasDiff, len(r.ChangedFiles), r.DiffHash)
	if r.PRLink != "" {
		fmt.Printf("PR:        %s\n", r.PRLink)
	}
}
