package relay

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownAccount is returned for logins without a configured account
var ErrUnknownAccount = errors.New("unknown account")

// Accounts verifies relay logins against bcrypt password hashes
type Accounts struct {
	hashes map[string][]byte
}

// NewAccounts creates an account table from login → bcrypt hash
func NewAccounts(hashes map[string]string) (*Accounts, error) {
	a := &Accounts{hashes: make(map[string][]byte, len(hashes))}
	for login, hash := range hashes {
		if login == "" {
			return nil, errors.New("account with empty login")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("account %q: invalid password hash: %w", login, err)
		}
		a.hashes[login] = []byte(hash)
	}
	return a, nil
}

// Verify checks a login and password
func (a *Accounts) Verify(login, password string) error {
	hash, ok := a.hashes[login]
	if !ok {
		// keep the timing close to a real comparison
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrUnknownAccount
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password))
}

// Authenticate adapts Verify to transport.Authenticator
func (a *Accounts) Authenticate(login, password string) (string, bool) {
	if err := a.Verify(login, password); err != nil {
		return "", false
	}
	return login, true
}

func (a *Accounts) Len() int { return len(a.hashes) }

// HashPassword returns a bcrypt hash suitable for the relay's account table
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("uplink"), bcrypt.MinCost)
