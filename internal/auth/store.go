package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

type usersDocument struct {
	Users []User `yaml:"users"`
}

// LoadUsersFile reads and validates a users file. A missing file yields an
// empty table and an error matching os.ErrNotExist.
func LoadUsersFile(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return parseUsers(data)
}

func parseUsers(data []byte) ([]User, error) {
	var doc usersDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewValidationError("malformed users file").WithCause(err)
	}

	seen := make(map[string]bool, len(doc.Users))
	for i := range doc.Users {
		u := &doc.Users[i]
		u.Role = strings.ToLower(strings.TrimSpace(u.Role))
		if u.Role == "" {
			u.Role = DefaultRole
		}
		if err := u.validate(); err != nil {
			return nil, err
		}
		if seen[u.Username] {
			return nil, errors.NewValidationError("duplicate user").WithField("username").WithValue(u.Username)
		}
		seen[u.Username] = true
	}
	return doc.Users, nil
}

// SaveUsersFile writes users to path atomically: the table is written to a
// temporary file which is then renamed over the target. An exclusive file
// lock is held for the duration.
func SaveUsersFile(path string, users []User) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create users directory: %w", err)
	}

	fl := newFileLock(path)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	sorted := slices.Clone(users)
	slices.SortFunc(sorted, func(a, b User) int { return strings.Compare(a.Username, b.Username) })

	data, err := yaml.Marshal(usersDocument{Users: sorted})
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
