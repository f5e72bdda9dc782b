package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrUnknownRole        = errors.New("unknown role")
)

// Role grants access to the admin API. Viewers may only read; operators may
// also drive lifecycle actions.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

func (r Role) valid() bool { return r == RoleViewer || r == RoleOperator }

// CanWrite reports whether r may send lifecycle actions.
func (r Role) CanWrite() bool { return r == RoleOperator }

// User is an admin API account from the configuration file.
type User struct {
	Username string `mapstructure:"username"`
	// PasswordHash is a bcrypt hash, see HashPassword.
	PasswordHash string `mapstructure:"passwordHash"`
	Role         Role   `mapstructure:"role"`
}

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Secret signs issued tokens. A random one is generated when empty, so
	// tokens do not survive a restart.
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"tokenTTL"`
	Users    []User        `mapstructure:"users"`
}

// Identity is an authenticated caller.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
