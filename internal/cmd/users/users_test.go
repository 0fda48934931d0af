package users

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/client"
	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
)

func newRoot(t *testing.T, password string) (*cobra.Command, string) {
	t.Helper()
	usersFile := filepath.Join(t.TempDir(), "users.yaml")
	root := &cobra.Command{Use: "taskmesh", SilenceUsage: true, SilenceErrors: true}
	Register(root, Deps{
		Dial: func(context.Context) (*client.Client, *config.Config, error) {
			return nil, nil, errors.New("no coordinator in tests")
		},
		ReadPassword: func(string) (string, error) { return password, nil },
		Config: func() (*config.Config, error) {
			cfg := config.Default()
			cfg.Auth.UsersFile = usersFile
			return cfg, nil
		},
	})
	return root, usersFile
}

func run(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestLocalLifecycle(t *testing.T) {
	root, usersFile := newRoot(t, "s3cret")

	// Flags keep their values across Execute calls, so the default-role add
	// goes first.
	if _, err := run(root, "users", "add", "bob"); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if _, err := run(root, "users", "add", "alice", "--role", "admin"); err != nil {
		t.Fatalf("add: %v", err)
	}

	users, err := auth.LoadUsersFile(usersFile)
	if err != nil {
		t.Fatalf("LoadUsersFile: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].Username != "alice" || users[0].Role != auth.RoleAdmin {
		t.Errorf("users[0] = %+v", users[0])
	}
	if users[1].Role != auth.DefaultRole {
		t.Errorf("bob role = %q, want default %q", users[1].Role, auth.DefaultRole)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(users[0].PasswordHash), []byte("s3cret")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}

	out, err := run(root, "users", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "admin") {
		t.Errorf("list output = %q", out)
	}

	if _, err := run(root, "users", "delete", "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	users, _ = auth.LoadUsersFile(usersFile)
	if len(users) != 1 {
		t.Errorf("after delete got %d users, want 1", len(users))
	}
}

func TestAddRejects(t *testing.T) {
	tests := []struct {
		name     string
		password string
		args     []string
	}{
		{name: "unknown role", password: "pw", args: []string{"users", "add", "carol", "--role", "root"}},
		{name: "empty password", password: "", args: []string{"users", "add", "carol"}},
		{name: "bad username", password: "pw", args: []string{"users", "add", "car ol"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, _ := newRoot(t, tt.password)
			if _, err := run(root, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	root, _ := newRoot(t, "pw")
	if _, err := run(root, "users", "add", "dave"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(root, "users", "add", "dave"); err == nil {
		t.Error("duplicate add succeeded")
	}
}

func TestPasswdLocal(t *testing.T) {
	password := "first"
	usersFile := filepath.Join(t.TempDir(), "users.yaml")
	root := &cobra.Command{Use: "taskmesh", SilenceUsage: true, SilenceErrors: true}
	Register(root, Deps{
		ReadPassword: func(string) (string, error) { return password, nil },
		Config: func() (*config.Config, error) {
			cfg := config.Default()
			cfg.Auth.UsersFile = usersFile
			return cfg, nil
		},
	})

	if _, err := run(root, "users", "add", "erin"); err != nil {
		t.Fatal(err)
	}
	password = "second"
	if _, err := run(root, "users", "passwd", "erin"); err != nil {
		t.Fatalf("passwd: %v", err)
	}

	users, err := auth.LoadUsersFile(usersFile)
	if err != nil || len(users) != 1 {
		t.Fatalf("LoadUsersFile = %v, %v", users, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(users[0].PasswordHash), []byte("second")); err != nil {
		t.Errorf("password not changed: %v", err)
	}

	if _, err := run(root, "users", "passwd"); err == nil {
		t.Error("local passwd without username succeeded")
	}
	if _, err := run(root, "users", "passwd", "nobody"); err == nil {
		t.Error("passwd for unknown user succeeded")
	}
}

func TestRemoteUsesDial(t *testing.T) {
	root, _ := newRoot(t, "pw")
	_, err := run(root, "users", "add", "frank", "--remote")
	if err == nil || !strings.Contains(err.Error(), "no coordinator") {
		t.Errorf("remote add error = %v, want dial failure", err)
	}
}

func TestHash(t *testing.T) {
	root, _ := newRoot(t, "hunter2")
	out, err := run(root, "users", "hash")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("hunter2")); err != nil {
		t.Errorf("hash output does not verify: %v", err)
	}
}
