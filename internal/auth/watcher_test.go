package auth

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestWatcherReloadsOnExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := SaveUsersFile(path, []User{{Username: "alice", PasswordHash: mustHash(t, "pw"), Role: RoleUser}}); err != nil {
		t.Fatal(err)
	}

	server, err := New(testKey, WithBcryptCost(bcrypt.MinCost), WithUsersFile(path))
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan error, 16)
	w, err := NewWatcher(server, WithDebounce(20*time.Millisecond), WithReloadHook(func(err error) { reloaded <- err }))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	aliceTok, err := server.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}

	// Another process edits the same file.
	cli, err := New(testKey, WithBcryptCost(bcrypt.MinCost), WithUsersFile(path))
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.CreateUser("bob", "builder", RoleUser); err != nil {
		t.Fatal(err)
	}
	waitFor(t, reloaded, func() bool { return server.Authenticate("bob", "builder") })

	if err := cli.DeleteUser("alice"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, reloaded, func() bool { _, ok := server.Role("alice"); return !ok })

	if _, ok := server.Verify(aliceTok); ok {
		t.Error("session of a user removed from the file is still valid")
	}
}

func TestNewWatcherRequiresUsersFile(t *testing.T) {
	a := newTestAuthority(t)
	if _, err := NewWatcher(a); err == nil {
		t.Error("NewWatcher without users file should fail")
	}
}

func waitFor(t *testing.T, reloaded <-chan error, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case err := <-reloaded:
			if err != nil {
				t.Logf("reload error (retrying): %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for users file reload")
		}
	}
}
