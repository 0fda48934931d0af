package auth

import (
	"regexp"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Roles understood by the coordinator.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleWorker = "worker"
)

// DefaultRole is assigned when a user is created without one.
const DefaultRole = RoleUser

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

// User is one entry of the users file.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// Roles returns the valid role names.
func Roles() []string {
	return []string{RoleAdmin, RoleUser, RoleWorker}
}

// ValidRole reports whether role is one of Roles.
func ValidRole(role string) bool {
	return slices.Contains(Roles(), role)
}

// ValidateUsername checks a username against the allowed character set.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return errors.NewValidationError("username must be 1-64 characters of letters, digits, '.', '_', '@' or '-'").
			WithField("username").WithValue(name)
	}
	return nil
}

// ValidatePassword rejects passwords bcrypt cannot hash.
func ValidatePassword(password string) error {
	if password == "" {
		return errors.NewValidationError("password must not be empty").WithField("password")
	}
	if len(password) > maxPasswordBytes {
		return errors.NewValidationError("password must be at most 72 bytes").WithField("password")
	}
	return nil
}

// HashPassword returns a bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	return hashPassword(password, bcrypt.DefaultCost)
}

func hashPassword(password string, cost int) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(h), nil
}

func (u User) validate() error {
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	if u.PasswordHash == "" {
		return errors.NewValidationError("password_hash is required").WithField("password_hash").WithValue(u.Username)
	}
	if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
		return errors.NewValidationError("password_hash is not a bcrypt hash").WithField("password_hash").WithValue(u.Username)
	}
	if !ValidRole(u.Role) {
		return errors.NewValidationError("unknown role").WithField("role").WithValue(u.Role)
	}
	return nil
}
