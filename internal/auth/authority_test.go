package auth

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := hashPassword(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	return h
}

func newTestAuthority(t *testing.T, opts ...Option) *Authority {
	t.Helper()
	base := []Option{
		WithBcryptCost(bcrypt.MinCost),
		WithUsers(
			User{Username: "alice", PasswordHash: mustHash(t, "wonderland"), Role: RoleUser},
			User{Username: "root", PasswordHash: mustHash(t, "toor"), Role: RoleAdmin},
		),
	}
	a, err := New(testKey, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuthority(t)

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"correct", "alice", "wonderland", true},
		{"wrong password", "alice", "looking-glass", false},
		{"empty password", "alice", "", false},
		{"unknown user", "mallory", "wonderland", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Authenticate(tt.username, tt.password); got != tt.want {
				t.Errorf("Authenticate(%q) = %v, want %v", tt.username, got, tt.want)
			}
		})
	}
}

func TestIssueVerifyRevoke(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	s, ok := a.Verify(token)
	if !ok {
		t.Fatal("Verify(fresh token) = false")
	}
	if s.Subject != "alice" || s.Role != RoleUser {
		t.Errorf("session = %+v", s)
	}
	if got := s.ExpiresAt.Sub(s.IssuedAt); got != DefaultTokenTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultTokenTTL)
	}

	if !a.Revoke(token) {
		t.Error("Revoke(active) = false")
	}
	if _, ok := a.Verify(token); ok {
		t.Error("Verify after Revoke = true")
	}
	if a.Revoke(token) {
		t.Error("second Revoke = true, want false")
	}
}

func TestVerifyExpired(t *testing.T) {
	clock := newFakeClock()
	a := newTestAuthority(t, WithClock(clock.Now))

	token, err := a.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(DefaultTokenTTL - time.Minute)
	if _, ok := a.Verify(token); !ok {
		t.Fatal("Verify before expiry = false")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := a.Verify(token); ok {
		t.Error("Verify after expiry = true")
	}
	if n := a.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d, want 0 after lazy eviction", n)
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	a := newTestAuthority(t)
	other, err := New([]byte("another-signing-key-another-signing"), WithBcryptCost(bcrypt.MinCost),
		WithUsers(User{Username: "alice", PasswordHash: mustHash(t, "x"), Role: RoleAdmin}))
	if err != nil {
		t.Fatal(err)
	}

	valid, err := a.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	forged, err := other.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "role": RoleAdmin, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"other key", forged},
		{"tampered payload", tampered},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s, ok := a.Verify(tt.token); ok || s != nil {
				t.Errorf("Verify() = %+v, %v; want nil, false", s, ok)
			}
			if a.Revoke(tt.token) {
				t.Error("Revoke() = true for a token never issued here")
			}
		})
	}
}

func TestVerifyRequiresActiveSet(t *testing.T) {
	a := newTestAuthority(t)
	token, err := a.IssueToken("alice")
	if err != nil {
		t.Fatal(err)
	}

	// A second authority sharing the signing key never issued the token.
	b := newTestAuthority(t)
	if _, ok := b.Verify(token); ok {
		t.Error("Verify accepted a validly signed token missing from the active set")
	}
}

func TestRequireRole(t *testing.T) {
	a := newTestAuthority(t)
	userTok, _ := a.IssueToken("alice")
	adminTok, _ := a.IssueToken("root")

	if a.RequireRole(userTok, RoleAdmin) {
		t.Error("user token passed admin check")
	}
	if !a.RequireRole(adminTok, RoleAdmin) {
		t.Error("admin token failed admin check")
	}
	if !a.RequireRole(userTok, RoleUser) {
		t.Error("user token failed user check")
	}
	if a.RequireRole("junk", RoleUser) {
		t.Error("junk token passed role check")
	}
}

func TestIssueTokenUnknownUser(t *testing.T) {
	a := newTestAuthority(t)
	if _, err := a.IssueToken("ghost"); !errors.Is(err, errors.ErrUnauthorized) {
		t.Errorf("IssueToken(unknown) err = %v, want ErrUnauthorized", err)
	}
}

func TestLogin(t *testing.T) {
	a := newTestAuthority(t)

	if _, err := a.Login("alice", "nope"); !errors.Is(err, errors.ErrBadCredentials) {
		t.Errorf("Login(bad) err = %v, want ErrBadCredentials", err)
	}
	token, err := a.Login("alice", "wonderland")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, ok := a.Verify(token); !ok {
		t.Error("Verify(Login token) = false")
	}
}

func TestSessionEvents(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var got []string
	bus.Subscribe("*", func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.EventType())
	})
	a := newTestAuthority(t, WithBus(bus))

	_, _ = a.Login("alice", "bad")
	token, _ := a.Login("alice", "wonderland")
	a.Revoke(token)

	mu.Lock()
	defer mu.Unlock()
	want := []string{event.AuthFailed, event.AuthSucceeded, event.SessionRevoked}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestUserManagement(t *testing.T) {
	a := newTestAuthority(t)

	t.Run("create", func(t *testing.T) {
		if err := a.CreateUser("bob", "builder", ""); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if role, _ := a.Role("bob"); role != DefaultRole {
			t.Errorf("role = %q, want %q", role, DefaultRole)
		}
		if !a.Authenticate("bob", "builder") {
			t.Error("new user cannot authenticate")
		}
	})

	t.Run("create rejects duplicates and bad input", func(t *testing.T) {
		if err := a.CreateUser("bob", "again", RoleUser); !errors.Is(err, &errors.AlreadyExistsError{}) {
			t.Errorf("duplicate err = %v", err)
		}
		if err := a.CreateUser("has space", "pw", RoleUser); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("bad username err = %v", err)
		}
		if err := a.CreateUser("carol", "pw", "superuser"); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("bad role err = %v", err)
		}
		if err := a.CreateUser("carol", strings.Repeat("x", 73), RoleUser); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("long password err = %v", err)
		}
	})

	t.Run("change password", func(t *testing.T) {
		if err := a.ChangePassword("bob", "wrong", "new-secret"); !errors.Is(err, errors.ErrBadCredentials) {
			t.Errorf("ChangePassword(wrong old) err = %v", err)
		}
		if err := a.ChangePassword("bob", "builder", "new-secret"); err != nil {
			t.Fatalf("ChangePassword: %v", err)
		}
		if a.Authenticate("bob", "builder") || !a.Authenticate("bob", "new-secret") {
			t.Error("password not replaced")
		}
	})

	t.Run("delete revokes sessions", func(t *testing.T) {
		token, err := a.Login("bob", "new-secret")
		if err != nil {
			t.Fatal(err)
		}
		if err := a.DeleteUser("bob"); err != nil {
			t.Fatalf("DeleteUser: %v", err)
		}
		if _, ok := a.Verify(token); ok {
			t.Error("session survived user deletion")
		}
		if err := a.DeleteUser("bob"); !errors.Is(err, &errors.NotFoundError{}) {
			t.Errorf("second DeleteUser err = %v", err)
		}
	})
}

func TestPruneExpired(t *testing.T) {
	clock := newFakeClock()
	a := newTestAuthority(t, WithClock(clock.Now), WithTTL(time.Hour))
	for range 3 {
		if _, err := a.IssueToken("alice"); err != nil {
			t.Fatal(err)
		}
	}
	if n := a.PruneExpired(clock.Now()); n != 0 {
		t.Errorf("PruneExpired(now) = %d, want 0", n)
	}
	if n := a.PruneExpired(clock.Now().Add(2 * time.Hour)); n != 3 {
		t.Errorf("PruneExpired(later) = %d, want 3", n)
	}
}

func TestUsersFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.yaml")

	a, err := New(testKey, WithBcryptCost(bcrypt.MinCost), WithUsersFile(path))
	if err != nil {
		t.Fatalf("New with missing users file: %v", err)
	}
	if len(a.Users()) != 0 {
		t.Fatalf("Users() = %v, want empty", a.Users())
	}
	if err := a.CreateUser("dora", "explorer", RoleWorker); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("users file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("users file mode = %o, want 600", perm)
	}

	b, err := New(testKey, WithUsersFile(path))
	if err != nil {
		t.Fatalf("New from file: %v", err)
	}
	if !b.Authenticate("dora", "explorer") {
		t.Error("reloaded authority cannot authenticate persisted user")
	}
	if role, _ := b.Role("dora"); role != RoleWorker {
		t.Errorf("role = %q, want worker", role)
	}
}

func TestReloadRevokesSessionsOnRoleChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	bob := User{Username: "bob", PasswordHash: mustHash(t, "builder"), Role: RoleAdmin}
	carol := User{Username: "carol", PasswordHash: mustHash(t, "singer"), Role: RoleUser}
	if err := SaveUsersFile(path, []User{bob, carol}); err != nil {
		t.Fatalf("SaveUsersFile: %v", err)
	}

	a, err := New(testKey, WithBcryptCost(bcrypt.MinCost), WithUsersFile(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bobToken, err := a.IssueToken("bob")
	if err != nil {
		t.Fatal(err)
	}
	carolToken, err := a.IssueToken("carol")
	if err != nil {
		t.Fatal(err)
	}
	if !a.RequireRole(bobToken, RoleAdmin) {
		t.Fatal("admin token rejected before demotion")
	}

	bob.Role = RoleUser
	if err := SaveUsersFile(path, []User{bob, carol}); err != nil {
		t.Fatalf("SaveUsersFile: %v", err)
	}
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if a.RequireRole(bobToken, RoleAdmin) {
		t.Error("demoted user still passes the admin check")
	}
	if _, ok := a.Verify(bobToken); ok {
		t.Error("session issued under the old role still verifies")
	}
	if _, ok := a.Verify(carolToken); !ok {
		t.Error("unchanged user's session was revoked")
	}

	fresh, err := a.IssueToken("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !a.RequireRole(fresh, RoleUser) {
		t.Error("new token does not carry the new role")
	}
}

func TestVerifyRejectsStaleRole(t *testing.T) {
	a := newTestAuthority(t)
	token, err := a.IssueToken("root")
	if err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	u := a.users["root"]
	u.Role = RoleUser
	a.users["root"] = u
	a.mu.Unlock()

	if _, ok := a.Verify(token); ok {
		t.Error("Verify accepted a session whose role no longer matches the user table")
	}
	if n := a.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", n)
	}
}
