package auth

import (
	"crypto/rand"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 24 * time.Hour

// Session is the server-side record of an issued token.
type Session struct {
	Subject   string
	Role      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authority owns the user table and the set of active sessions. All methods
// are safe for concurrent use.
type Authority struct {
	mu     sync.RWMutex
	users  map[string]User
	active map[string]*Session // keyed by token id

	saveMu    sync.Mutex
	usersFile string

	key       []byte
	ttl       time.Duration
	cost      int
	dummyHash []byte
	now       func() time.Time
	bus       *event.Bus
	logger    *logging.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) { a.ttl = ttl }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithUsersFile loads the user table from path and writes changes back to it.
func WithUsersFile(path string) Option {
	return func(a *Authority) { a.usersFile = path }
}

// WithUsers seeds the user table.
func WithUsers(users ...User) Option {
	return func(a *Authority) {
		for _, u := range users {
			a.users[u.Username] = u
		}
	}
}

// WithBcryptCost sets the cost for newly hashed passwords.
func WithBcryptCost(cost int) Option {
	return func(a *Authority) { a.cost = cost }
}

// WithBus publishes session events.
func WithBus(bus *event.Bus) Option {
	return func(a *Authority) { a.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// New creates an Authority that signs tokens with signingKey. An empty key is
// replaced by a random one, which invalidates tokens across restarts.
func New(signingKey []byte, opts ...Option) (*Authority, error) {
	a := &Authority{
		users:  make(map[string]User),
		active: make(map[string]*Session),
		key:    slices.Clone(signingKey),
		ttl:    DefaultTokenTTL,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if len(a.key) == 0 {
		a.key = make([]byte, 32)
		if _, err := rand.Read(a.key); err != nil {
			return nil, errors.Wrap(err, "generate signing key")
		}
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("taskmesh-timing-equalizer"), a.cost)
	if err != nil {
		return nil, errors.Wrap(err, "prepare dummy hash")
	}
	a.dummyHash = dummy

	if a.usersFile != "" {
		if err := a.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return a, nil
}

// Authenticate reports whether password matches the stored hash for username.
// Unknown users are compared against a dummy hash so the response time does
// not reveal whether the account exists.
func (a *Authority) Authenticate(username, password string) bool {
	a.mu.RLock()
	u, ok := a.users[username]
	a.mu.RUnlock()

	hash := a.dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	match := bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	if ok && match {
		return true
	}
	a.publish(event.AuthFailed, username, "")
	return false
}

// IssueToken creates a session for username and returns its signed token.
func (a *Authority) IssueToken(username string) (string, error) {
	a.mu.Lock()
	u, ok := a.users[username]
	if !ok {
		a.mu.Unlock()
		return "", errors.NewNotFoundError("user", username).WithCause(errors.ErrUnauthorized)
	}

	now := a.now()
	c := claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.key)
	if err != nil {
		a.mu.Unlock()
		return "", errors.Wrap(err, "sign token")
	}

	a.active[c.ID] = &Session{
		Subject:   u.Username,
		Role:      u.Role,
		TokenID:   c.ID,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}
	a.mu.Unlock()

	a.publish(event.AuthSucceeded, u.Username, u.Role)
	return token, nil
}

// Login authenticates and issues a token in one step.
func (a *Authority) Login(username, password string) (string, error) {
	if !a.Authenticate(username, password) {
		return "", errors.ErrBadCredentials
	}
	return a.IssueToken(username)
}

func (a *Authority) keyFunc(*jwt.Token) (any, error) {
	return a.key, nil
}

func (a *Authority) parse(token string, opts ...jwt.ParserOption) (*claims, error) {
	c := &claims{}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	_, err := jwt.ParseWithClaims(token, c, a.keyFunc, opts...)
	return c, err
}

// Verify returns the session for token, or false if the token is malformed,
// badly signed, expired, revoked, or belongs to a user that was deleted or
// given a different role. Expired sessions are evicted.
func (a *Authority) Verify(token string) (*Session, bool) {
	c, err := a.parse(token)
	if err != nil {
		// Signature is checked before expiry, so the id is trustworthy here.
		if errors.Is(err, jwt.ErrTokenExpired) && c.ID != "" {
			a.mu.Lock()
			delete(a.active, c.ID)
			a.mu.Unlock()
		}
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[c.ID]
	if !ok || s.Revoked {
		return nil, false
	}
	if !a.now().Before(s.ExpiresAt) {
		delete(a.active, c.ID)
		return nil, false
	}
	if u, exists := a.users[s.Subject]; !exists || u.Role != s.Role {
		delete(a.active, c.ID)
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Revoke removes token from the active set. It reports whether the token was
// active; revoking twice is harmless.
func (a *Authority) Revoke(token string) bool {
	c, err := a.parse(token, jwt.WithoutClaimsValidation())
	if err != nil || c.ID == "" {
		return false
	}

	a.mu.Lock()
	s, ok := a.active[c.ID]
	if ok {
		s.Revoked = true
		delete(a.active, c.ID)
	}
	a.mu.Unlock()

	if ok {
		a.publish(event.SessionRevoked, s.Subject, s.Role)
	}
	return ok
}

// RequireRole reports whether token is valid and carries role.
func (a *Authority) RequireRole(token, role string) bool {
	s, ok := a.Verify(token)
	return ok && s.Role == role
}

// PruneExpired drops sessions whose expiry has passed. Returns the number
// removed.
func (a *Authority) PruneExpired(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, s := range a.active {
		if !now.Before(s.ExpiresAt) {
			delete(a.active, id)
			n++
		}
	}
	return n
}

// ActiveSessions returns the number of live sessions.
func (a *Authority) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// -----------------------------------------------------------------------------
// User management
// -----------------------------------------------------------------------------

// CreateUser adds a user. role defaults to DefaultRole.
func (a *Authority) CreateUser(username, password, role string) error {
	if role == "" {
		role = DefaultRole
	}
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if !ValidRole(role) {
		return errors.NewValidationError("unknown role").WithField("role").WithValue(role)
	}
	hash, err := hashPassword(password, a.cost)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if _, exists := a.users[username]; exists {
		a.mu.Unlock()
		return errors.NewAlreadyExistsError("user", username)
	}
	a.users[username] = User{Username: username, PasswordHash: hash, Role: role}
	a.mu.Unlock()

	a.logger.Info("user created", "username", username, "role", role)
	return a.persist()
}

// DeleteUser removes a user and revokes all of their sessions.
func (a *Authority) DeleteUser(username string) error {
	a.mu.Lock()
	if _, exists := a.users[username]; !exists {
		a.mu.Unlock()
		return errors.NewNotFoundError("user", username)
	}
	delete(a.users, username)
	revoked := a.revokeSubjectLocked(username)
	a.mu.Unlock()

	a.publishRevoked(revoked)
	a.logger.Info("user deleted", "username", username, "sessions_revoked", len(revoked))
	return a.persist()
}

// ChangePassword replaces username's password after checking the old one.
func (a *Authority) ChangePassword(username, oldPassword, newPassword string) error {
	if !a.Authenticate(username, oldPassword) {
		return errors.ErrBadCredentials
	}
	return a.SetPassword(username, newPassword)
}

// SetPassword replaces username's password without checking the old one.
func (a *Authority) SetPassword(username, password string) error {
	hash, err := hashPassword(password, a.cost)
	if err != nil {
		return err
	}

	a.mu.Lock()
	u, exists := a.users[username]
	if !exists {
		a.mu.Unlock()
		return errors.NewNotFoundError("user", username)
	}
	u.PasswordHash = hash
	a.users[username] = u
	a.mu.Unlock()

	return a.persist()
}

// Users returns the user table sorted by username.
func (a *Authority) Users() []User {
	a.mu.RLock()
	users := slices.Collect(maps.Values(a.users))
	a.mu.RUnlock()
	slices.SortFunc(users, func(x, y User) int { return strings.Compare(x.Username, y.Username) })
	return users
}

// Role returns the role of username.
func (a *Authority) Role(username string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[username]
	return u.Role, ok
}

// Reload replaces the user table with the contents of the users file.
// Sessions of users that disappeared or whose role changed are revoked. A file
// that fails to parse leaves the current table in place.
func (a *Authority) Reload() error {
	if a.usersFile == "" {
		return nil
	}
	users, err := LoadUsersFile(a.usersFile)
	if err != nil {
		return err
	}

	next := make(map[string]User, len(users))
	for _, u := range users {
		next[u.Username] = u
	}

	a.mu.Lock()
	var revoked []Session
	for name, u := range a.users {
		if n, kept := next[name]; !kept || n.Role != u.Role {
			revoked = append(revoked, a.revokeSubjectLocked(name)...)
		}
	}
	a.users = next
	a.mu.Unlock()

	a.publishRevoked(revoked)
	a.logger.Debug("users file loaded", "path", a.usersFile, "users", len(next), "sessions_revoked", len(revoked))
	return nil
}

// UsersFile returns the path the table is persisted to, if any.
func (a *Authority) UsersFile() string {
	return a.usersFile
}

func (a *Authority) revokeSubjectLocked(username string) []Session {
	var out []Session
	for id, s := range a.active {
		if s.Subject == username {
			s.Revoked = true
			delete(a.active, id)
			out = append(out, *s)
		}
	}
	return out
}

func (a *Authority) publishRevoked(sessions []Session) {
	for _, s := range sessions {
		a.publish(event.SessionRevoked, s.Subject, s.Role)
	}
}

func (a *Authority) persist() error {
	if a.usersFile == "" {
		return nil
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	return SaveUsersFile(a.usersFile, a.Users())
}

func (a *Authority) publish(eventType, subject, role string) {
	if a.bus != nil {
		a.bus.Publish(event.NewSessionEvent(eventType, subject, role))
	}
}
