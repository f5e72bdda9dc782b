// Package auth authenticates admin API callers against the users of the
// configuration file. Callers present HTTP basic credentials or a bearer token
// issued by Login.
package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	issuer          = "lux"
)

// Claims are carried by issued tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	users  map[string]User
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New validates c. It fails on users without a name or hash and on unknown
// roles.
func New(c Config) (*Service, error) {
	s := &Service{
		users:  make(map[string]User, len(c.Users)),
		secret: []byte(c.Secret),
		ttl:    c.TokenTTL,
		now:    time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	for _, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("user %q: username and passwordHash are required", u.Username)
		}
		if u.Role == "" {
			u.Role = RoleViewer
		}
		if !u.Role.valid() {
			return nil, fmt.Errorf("user %s: %w %q", u.Username, ErrUnknownRole, u.Role)
		}
		s.users[u.Username] = u
	}
	return s, nil
}

// HashPassword returns the bcrypt hash stored in the configuration.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Basic checks a username and password.
func (s *Service) Basic(username, password string) (Identity, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: u.Username, Role: u.Role}, nil
}

// Login checks the credentials and issues a token.
func (s *Service) Login(req LoginRequest) (*Token, error) {
	id, err := s.Basic(req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return s.issue(id)
}

func (s *Service) issue(id Identity) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   id.Username,
		},
	}
	v, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: v, ExpiresAt: expiresAt}, nil
}

// Verify validates a bearer token. Tokens of users removed from the
// configuration are rejected.
func (s *Service) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidCredentials
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Subject]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	// The role of the configuration wins over the one in the token.
	return Identity{Username: u.Username, Role: u.Role}, nil
}
