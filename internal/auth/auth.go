// Package auth covers the two identities that talk to a node: staff
// (username/password, checked against the local admin account or the
// hospital LDAP directory, issued a short-lived JWT) and devices
// (long-lived bearer tokens of the form <deviceID>.<secret>, with only
// a bcrypt hash of the secret stored).
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type Authenticator struct {
	store *causal.Store
	jwt   *JWTService
	ldap  *LDAPAuth
	cfg   config.AuthConfig
	ttl   time.Duration
}

// LoginResult is returned to the client after a successful staff login.
type LoginResult struct {
	Token       string `json:"token"`
	User        string `json:"user"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func New(store *causal.Store, cfg config.AuthConfig) *Authenticator {
	secret := cfg.JWTSecret
	if secret == "" {
		// No configured secret: sign with a random one, so sessions do
		// not survive a restart.
		buf := make([]byte, 32)
		rand.Read(buf)
		secret = hex.EncodeToString(buf)
	}

	ttl := time.Duration(cfg.TokenTTLMins) * time.Minute
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}

	a := &Authenticator{
		store: store,
		jwt:   NewJWTService(secret),
		cfg:   cfg,
		ttl:   ttl,
	}
	if cfg.LDAP.Enabled {
		a.ldap = NewLDAPAuth(cfg.LDAP)
	}
	return a
}

// LoginStaff checks the credentials against the local admin account,
// then the directory, and issues a JWT on success.
func (a *Authenticator) LoginStaff(username, password string) (LoginResult, error) {
	if a.cfg.AdminUser != "" && username == a.cfg.AdminUser && password == a.cfg.AdminPassword {
		token, err := a.jwt.Generate(username, RoleAdmin, a.ttl)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Token: token, User: username, DisplayName: username, Role: RoleAdmin}, nil
	}

	if a.ldap != nil {
		display, err := a.ldap.Authenticate(username, password)
		if err != nil {
			return LoginResult{}, fmt.Errorf("invalid credentials")
		}
		token, err := a.jwt.Generate(username, RoleStaff, a.ttl)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Token: token, User: username, DisplayName: display, Role: RoleStaff}, nil
	}

	return LoginResult{}, fmt.Errorf("invalid credentials")
}

// ValidateStaff checks a JWT from the Authorization header.
func (a *Authenticator) ValidateStaff(token string) (*JWTClaims, error) {
	return a.jwt.Validate(token)
}

// RegisterDevice mints a new device identity. The returned plain token
// is shown once and cannot be recovered; only its hash is stored.
func (a *Authenticator) RegisterDevice(name, ward string) (causal.Device, string, error) {
	id := uuid.NewString()

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return causal.Device{}, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return causal.Device{}, "", fmt.Errorf("hash secret: %w", err)
	}

	d := causal.Device{
		ID:        id,
		Name:      name,
		Ward:      ward,
		TokenHash: hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.PutDevice(d); err != nil {
		return causal.Device{}, "", fmt.Errorf("store device: %w", err)
	}
	return d, id + "." + secret, nil
}

// VerifyDeviceToken resolves a <deviceID>.<secret> bearer token to its
// device record.
func (a *Authenticator) VerifyDeviceToken(token string) (*causal.Device, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, fmt.Errorf("malformed device token")
	}

	d, err := a.store.GetDevice(id)
	if err != nil {
		return nil, fmt.Errorf("unknown device")
	}
	if d.Revoked {
		return nil, fmt.Errorf("device revoked")
	}
	if err := bcrypt.CompareHashAndPassword(d.TokenHash, []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid device token")
	}

	a.store.TouchDevice(d.ID)
	return d, nil
}
