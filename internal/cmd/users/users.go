// Package users provides CLI commands for managing coordinator accounts.
//
// By default the commands edit the users file named by auth.users_file
// directly; a running coordinator picks the change up through its file
// watcher. With --remote they go through the coordinator instead, which
// requires an admin session for add and delete.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/client"
	"github.com/Iron-Ham/taskmesh/internal/config"
)

// Deps are the parts of the root command the users commands need.
type Deps struct {
	// Dial connects with the cached session token.
	Dial func(ctx context.Context) (*client.Client, *config.Config, error)
	// ReadPassword prompts for a secret.
	ReadPassword func(prompt string) (string, error)
	// Config loads the effective configuration. Defaults to config.Load.
	Config func() (*config.Config, error)
}

type commands struct {
	deps   Deps
	remote bool
	role   string
}

// Register adds the users command tree to parent.
func Register(parent *cobra.Command, deps Deps) {
	if deps.Config == nil {
		deps.Config = config.Load
	}
	c := &commands{deps: deps}

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage coordinator accounts",
		Long: `Manage coordinator accounts.

Without --remote the users file (auth.users_file) is edited in place.
With --remote the request goes through the coordinator using the session
from 'taskmesh login'; add and delete need the admin role.

Roles: ` + strings.Join(auth.Roles(), ", "),
	}
	usersCmd.PersistentFlags().BoolVar(&c.remote, "remote", false, "apply through the running coordinator")

	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runAdd,
	}
	addCmd.Flags().StringVar(&c.role, "role", auth.DefaultRole, "role: "+strings.Join(auth.Roles(), ", "))

	deleteCmd := &cobra.Command{
		Use:     "delete <username>",
		Aliases: []string{"rm"},
		Short:   "Delete an account and revoke its sessions",
		Args:    cobra.ExactArgs(1),
		RunE:    c.runDelete,
	}

	passwdCmd := &cobra.Command{
		Use:   "passwd [username]",
		Short: "Change a password",
		Long: `Change a password.

Locally any account's password can be reset. With --remote the logged-in
user's own password is changed and the current password is required.`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.runPasswd,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts in the users file",
		Args:    cobra.NoArgs,
		RunE:    c.runList,
	}

	hashCmd := &cobra.Command{
		Use:   "hash",
		Short: "Print a bcrypt hash for a password",
		Long: `Print a bcrypt hash suitable for the password_hash field of the users
file. The password is prompted for, or read from stdin.`,
		Args: cobra.NoArgs,
		RunE: c.runHash,
	}

	usersCmd.AddCommand(addCmd, deleteCmd, passwdCmd, listCmd, hashCmd)
	parent.AddCommand(usersCmd)
}

// local opens the users file through an Authority so validation, hashing
// and atomic writes match what the coordinator does.
func (c *commands) local() (*auth.Authority, error) {
	cfg, err := c.deps.Config()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.UsersFile == "" {
		return nil, fmt.Errorf("auth.users_file is not set")
	}
	return auth.New(nil, auth.WithUsersFile(cfg.Auth.UsersFile))
}

func (c *commands) withRemote(cmd *cobra.Command, fn func(ctx context.Context, cl *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cl, _, err := c.deps.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()
	return fn(ctx, cl)
}

func (c *commands) newPassword() (string, error) {
	pw, err := c.deps.ReadPassword("New password: ")
	if err != nil {
		return "", err
	}
	if err := auth.ValidatePassword(pw); err != nil {
		return "", err
	}
	return pw, nil
}

func (c *commands) runAdd(cmd *cobra.Command, args []string) error {
	username := args[0]
	if !auth.ValidRole(c.role) {
		return fmt.Errorf("unknown role %q (want one of %s)", c.role, strings.Join(auth.Roles(), ", "))
	}
	pw, err := c.newPassword()
	if err != nil {
		return err
	}

	if c.remote {
		err = c.withRemote(cmd, func(ctx context.Context, cl *client.Client) error {
			return cl.CreateUser(ctx, username, pw, c.role)
		})
	} else {
		var a *auth.Authority
		if a, err = c.local(); err == nil {
			err = a.CreateUser(username, pw, c.role)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", username, c.role)
	return nil
}

func (c *commands) runDelete(cmd *cobra.Command, args []string) error {
	username := args[0]
	var err error
	if c.remote {
		err = c.withRemote(cmd, func(ctx context.Context, cl *client.Client) error {
			return cl.DeleteUser(ctx, username)
		})
	} else {
		var a *auth.Authority
		if a, err = c.local(); err == nil {
			err = a.DeleteUser(username)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", username)
	return nil
}

func (c *commands) runPasswd(cmd *cobra.Command, args []string) error {
	if c.remote {
		if len(args) > 0 {
			return fmt.Errorf("--remote changes the logged-in user's password; drop the username")
		}
		old, err := c.deps.ReadPassword("Current password: ")
		if err != nil {
			return err
		}
		pw, err := c.newPassword()
		if err != nil {
			return err
		}
		if err := c.withRemote(cmd, func(ctx context.Context, cl *client.Client) error {
			return cl.ChangePassword(ctx, old, pw)
		}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("username required")
	}
	a, err := c.local()
	if err != nil {
		return err
	}
	pw, err := c.newPassword()
	if err != nil {
		return err
	}
	if err := a.SetPassword(args[0], pw); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password changed for %s\n", args[0])
	return nil
}

func (c *commands) runList(cmd *cobra.Command, args []string) error {
	if c.remote {
		return fmt.Errorf("list reads the users file; run it on the coordinator host without --remote")
	}
	a, err := c.local()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	list := a.Users()
	if len(list) == 0 {
		fmt.Fprintf(out, "No users in %s\n", a.UsersFile())
		return nil
	}
	for _, u := range list {
		fmt.Fprintf(out, "%-24s %s\n", u.Username, u.Role)
	}
	return nil
}

func (c *commands) runHash(cmd *cobra.Command, args []string) error {
	pw, err := c.newPassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
