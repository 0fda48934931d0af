package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/client"
	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/protocol"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Authenticate and cache a session token",
	Long: `Authenticate with the coordinator. The password is prompted for, or read
from stdin when it is not a terminal. The token is cached in client.token_file
and used by later commands until it expires or 'taskmesh logout' is run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := ""
		if len(args) == 1 {
			username = args[0]
		} else {
			var err error
			if username, err = readLine("Username: "); err != nil {
				return err
			}
		}
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client, cfg *config.Config) error {
			role, err := c.Login(ctx, username, password)
			if err != nil {
				return err
			}
			if err := saveToken(cfg, c.Token()); err != nil {
				return fmt.Errorf("cache token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", username, role)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the cached session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, cfg *config.Config) error {
			err := c.Logout(ctx)
			if cerr := clearToken(cfg); cerr != nil {
				return cerr
			}
			if errors.Is(err, errors.ErrUnauthorized) {
				// Already expired or revoked.
				err = nil
			}
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			}
			return err
		})
	},
}

var (
	submitPriority int
	submitFile     string
	submitWait     bool
	submitJSON     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <type> [data]",
	Short: "Submit a task",
	Long: `Submit a task of the given type. data is a JSON document passed to the
worker's handler; use --file to read it from a file ("-" for stdin).

Examples:
  taskmesh submit computation '{"operation":"sum","numbers":[1,2,3,4,5]}'
  taskmesh submit data_processing --file records.json --priority 5 --wait`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := submitData(cmd, args)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *client.Client, cfg *config.Config) error {
		id, err := c.Submit(ctx, args[0], data, submitPriority)
		if err != nil {
			return err
		}
		if !submitWait {
			if submitJSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{"task_id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}
		return follow(ctx, cmd, c, id)
	})
}

func submitData(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case submitFile == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		raw = b
	case submitFile != "":
		b, err := os.ReadFile(submitFile)
		if err != nil {
			return nil, err
		}
		raw = b
	case len(args) == 2:
		raw = []byte(args[1])
	default:
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.NewValidationError("task data is not valid JSON").WithField("data")
	}
	return raw, nil
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *config.Config) error {
			info, err := c.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if statusJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printTask(cmd.OutOrStdout(), info)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *config.Config) error {
			if err := c.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		})
	},
}

var (
	listStatus string
	listType   string
	listLimit  int
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *config.Config) error {
			tasks, err := c.List(ctx, client.ListFilter{Status: listStatus, Type: listType, Limit: listLimit})
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no tasks"))
				return nil
			}
			renderTable(cmd.OutOrStdout(),
				[]string{"ID", "TYPE", "STATUS", "PRIO", "PROGRESS", "WORKER", "AGE"},
				taskRows(tasks))
			return nil
		})
	},
}

var workersJSON bool

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *config.Config) error {
			ws, err := c.Workers(ctx)
			if err != nil {
				return err
			}
			if workersJSON {
				return printJSON(cmd.OutOrStdout(), ws)
			}
			if len(ws) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no workers registered"))
				return nil
			}
			renderTable(cmd.OutOrStdout(),
				[]string{"ID", "STATUS", "TASK", "CAPABILITIES", "HEARTBEAT", "LOAD"},
				workerRows(ws))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client, _ *config.Config) error {
			return follow(ctx, cmd, c, args[0])
		})
	},
}

// follow prints updates for taskID until it is terminal, then the final
// snapshot. A failed or cancelled task makes the command fail.
func follow(ctx context.Context, cmd *cobra.Command, c *client.Client, taskID string) error {
	out := cmd.OutOrStdout()
	info, err := c.Wait(ctx, taskID, func(u protocol.TaskUpdate) {
		fmt.Fprintf(out, "%s  %-10s %3d%%\n", mutedStyle.Render(u.TaskID), styledStatus(u.Status), u.Progress)
	})
	if err != nil {
		return err
	}
	if submitJSON {
		if err := printJSON(out, info); err != nil {
			return err
		}
	} else {
		printTask(out, info)
	}
	if info.Status != "completed" {
		return fmt.Errorf("task %s %s", info.ID, info.Status)
	}
	return nil
}

func init() {
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "priority; higher runs first")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "read task data from file (- for stdin)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "follow the task until it finishes")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print JSON")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only tasks in this status")
	listCmd.Flags().StringVar(&listType, "type", "", "only tasks of this type")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "at most this many tasks (0 = all)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "print JSON")

	rootCmd.AddCommand(loginCmd, logoutCmd, submitCmd, statusCmd, cancelCmd, listCmd, workersCmd, watchCmd)
}
