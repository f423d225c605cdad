package auth

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/caretrack/wardsync/internal/config"
)

// LDAPAuth authenticates staff against the hospital directory using a
// direct bind: the configured bind_dn template is filled with the
// username and the resulting DN is bound with the supplied password.
type LDAPAuth struct {
	cfg config.LDAPConfig
}

func NewLDAPAuth(cfg config.LDAPConfig) *LDAPAuth {
	return &LDAPAuth{cfg: cfg}
}

// Authenticate verifies username/password and returns the display name
// from the directory entry, falling back to the username.
func (l *LDAPAuth) Authenticate(username, password string) (string, error) {
	if password == "" {
		// An empty password would turn the bind into an anonymous bind,
		// which most servers accept.
		return "", fmt.Errorf("empty password")
	}

	conn, err := l.connect()
	if err != nil {
		return "", fmt.Errorf("ldap connect: %w", err)
	}
	defer conn.Close()

	userDN := strings.ReplaceAll(l.cfg.BindDN, "%s", ldap.EscapeDN(username))
	if err := conn.Bind(userDN, password); err != nil {
		return "", fmt.Errorf("ldap bind: %w", err)
	}

	display := l.lookupDisplayName(conn, username)
	if display == "" {
		display = username
	}
	return display, nil
}

// lookupDisplayName fetches cn for the bound user. Directories that
// refuse searches just cost us the pretty name.
func (l *LDAPAuth) lookupDisplayName(conn *ldap.Conn, username string) string {
	if l.cfg.BaseDN == "" {
		return ""
	}

	attr := l.cfg.UserAttr
	if attr == "" {
		attr = "uid"
	}
	filter := fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(username))

	sr, err := conn.Search(ldap.NewSearchRequest(
		l.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, 0, false,
		filter,
		[]string{"cn", "displayName"},
		nil,
	))
	if err != nil || len(sr.Entries) == 0 {
		return ""
	}

	entry := sr.Entries[0]
	if cn := entry.GetAttributeValue("displayName"); cn != "" {
		return cn
	}
	return entry.GetAttributeValue("cn")
}

func (l *LDAPAuth) connect() (*ldap.Conn, error) {
	if strings.HasPrefix(l.cfg.URL, "ldaps://") {
		tlsCfg := &tls.Config{InsecureSkipVerify: l.cfg.SkipVerify}
		return ldap.DialURL(l.cfg.URL, ldap.DialWithTLSConfig(tlsCfg))
	}

	conn, err := ldap.DialURL(l.cfg.URL)
	if err != nil {
		return nil, err
	}

	if l.cfg.StartTLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: l.cfg.SkipVerify}
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}
