package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

func TestLoadUsersFileMissing(t *testing.T) {
	_, err := LoadUsersFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestParseUsers(t *testing.T) {
	hash := mustHash(t, "pw")

	tests := []struct {
		name    string
		doc     string
		wantErr bool
		check   func(t *testing.T, users []User)
	}{
		{
			name: "valid with default role",
			doc:  "users:\n  - username: alice\n    password_hash: " + hash + "\n",
			check: func(t *testing.T, users []User) {
				if len(users) != 1 || users[0].Role != DefaultRole {
					t.Errorf("users = %+v", users)
				}
			},
		},
		{
			name: "role is normalized",
			doc:  "users:\n  - username: root\n    password_hash: " + hash + "\n    role: ' ADMIN '\n",
			check: func(t *testing.T, users []User) {
				if users[0].Role != RoleAdmin {
					t.Errorf("role = %q", users[0].Role)
				}
			},
		},
		{name: "empty document", doc: "", check: func(t *testing.T, users []User) {
			if len(users) != 0 {
				t.Errorf("users = %+v", users)
			}
		}},
		{name: "malformed yaml", doc: "users: [", wantErr: true},
		{name: "unknown role", doc: "users:\n  - username: a\n    password_hash: " + hash + "\n    role: god\n", wantErr: true},
		{name: "missing hash", doc: "users:\n  - username: a\n", wantErr: true},
		{name: "plaintext hash", doc: "users:\n  - username: a\n    password_hash: admin123\n", wantErr: true},
		{name: "duplicate", doc: "users:\n  - username: a\n    password_hash: " + hash + "\n  - username: a\n    password_hash: " + hash + "\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := parseUsers([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseUsers() err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
			if tt.check != nil {
				tt.check(t, users)
			}
		})
	}
}

func TestSaveUsersFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.yaml")
	users := []User{
		{Username: "zed", PasswordHash: mustHash(t, "z"), Role: RoleUser},
		{Username: "amy", PasswordHash: mustHash(t, "a"), Role: RoleAdmin},
	}
	if err := SaveUsersFile(path, users); err != nil {
		t.Fatalf("SaveUsersFile: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	got, err := LoadUsersFile(path)
	if err != nil {
		t.Fatalf("LoadUsersFile: %v", err)
	}
	if len(got) != 2 || got[0].Username != "amy" || got[1].Username != "zed" {
		t.Errorf("saved order = %+v, want sorted by username", got)
	}
}

func TestFileLockReusable(t *testing.T) {
	target := filepath.Join(t.TempDir(), "users.yaml")
	fl := newFileLock(target)
	for i := range 2 {
		if err := fl.Lock(); err != nil {
			t.Fatalf("Lock %d: %v", i, err)
		}
		if err := fl.Unlock(); err != nil {
			t.Fatalf("Unlock %d: %v", i, err)
		}
	}
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock without Lock: %v", err)
	}
	if err := newFileLock("/nonexistent/dir/users.yaml").Lock(); err == nil {
		t.Error("Lock in missing directory should fail")
	}
}
