// Package seed installs the fixed development roster the original
// implementation's makeContext bootstrapped on every startup
// (ircdd/context.py in original_source), gated here behind an explicit
// -seed flag per SPEC_FULL.md §D.1 rather than running
// unconditionally.
package seed

import (
	"errors"
	"fmt"

	"github.com/ircdd/ircdd/internal/authn"
	"github.com/ircdd/ircdd/internal/realm"
	"github.com/ircdd/ircdd/internal/store"
)

type devUser struct {
	nick, email string
}

var devUsers = []devUser{
	{"kzvezdarov", "kzvezdarov@gmail.com"},
	{"mcginnisdan", "mcginnis.dan@gmail.com"},
	{"roman215", "Roman215@comcast.net"},
	{"mikeharrison", "tud04305@temple.edu"},
	{"kevinrothenberger", "tud14472@temple.edu"},
}

const devPassword = "password"
const devGroup = "ircdd"
const devGroupOwner = "kzvezdarov"

// Run creates the development roster and its default private group if
// they do not already exist. Existing rows are left untouched.
func Run(st store.Store, rlm *realm.Realm) error {
	checker := authn.NewBcryptChecker(0)

	for _, u := range devUsers {
		hash, err := checker.Hash(devPassword)
		if err != nil {
			return fmt.Errorf("seed: hash password for %s: %w", u.nick, err)
		}
		if _, err := st.CreateUser(u.nick, u.email, hash, true, ""); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("seed: create user %s: %w", u.nick, err)
		}
	}

	if _, err := rlm.CreateGroup(devGroup, store.GroupPrivate, devGroupOwner); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("seed: create group %s: %w", devGroup, err)
	}

	return nil
}
