// Package authn supplies the two authentication-adjacent collaborators
// ircdd needs but spec.md keeps external to the six sharded components:
// a password-credential checker for IRC PASS/NICK login, and a token
// manager guarding the ambient admin HTTP surface.
package authn

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when a nickname/password pair does not
// verify; internal/irc's handleNick maps this to a NickServ "Login
// failed.  Goodbye." notice and closes the connection, per spec.md §8's
// S2 scenario, rather than to a numeric reply.
var ErrBadCredentials = errors.New("authn: bad credentials")

// CredentialChecker is the collaborator spec.md §1 describes as
// external to the sharded components: something that knows how to
// verify a user's password. internal/realm depends on this interface,
// never on a concrete hashing scheme, so a deployment can swap in an
// LDAP- or SSO-backed checker without touching realm code.
type CredentialChecker interface {
	// Verify returns nil if password is correct for the stored hash,
	// ErrBadCredentials if not.
	Verify(storedHash, password string) error

	// Hash produces a new stored hash for password, used by
	// realm.RequestAvatar when it creates an unknown user on request,
	// and by the -seed bootstrap roster.
	Hash(password string) (string, error)
}

// BcryptChecker is the default CredentialChecker, storing passwords as
// bcrypt hashes in store.UserRecord.Password. Supplied so the repo
// runs standalone without an external identity provider wired in.
type BcryptChecker struct {
	cost int
}

// NewBcryptChecker builds a checker at the given bcrypt cost; a cost of
// 0 selects bcrypt.DefaultCost.
func NewBcryptChecker(cost int) *BcryptChecker {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptChecker{cost: cost}
}

func (c *BcryptChecker) Verify(storedHash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

func (c *BcryptChecker) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
