package identity

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dalnet/ircbot/internal/text"
)

// Owner grants every capability.
const Owner = "owner"

var (
	// ErrNoSuchUser is returned for an unknown user name.
	ErrNoSuchUser = errors.New("no such user")
	// ErrBadPassword is returned when a password check fails.
	ErrBadPassword = errors.New("incorrect password")
)

// User is a registered bot user, recognised by hostmask or by password.
type User struct {
	Name         string   `json:"name"`
	Hostmasks    []string `json:"hostmasks"`
	Capabilities []string `json:"capabilities"`
	PasswordHash []byte   `json:"password,omitempty"`
}

// Has reports whether the user holds capability, optionally scoped to a
// channel. "owner" holds everything. "-cap" denies cap; channel-scoped
// capabilities are written "#chan,cap" and "#chan,-cap".
func (u *User) Has(capability, channel string) bool {
	caps := make(map[string]bool, len(u.Capabilities))
	for _, c := range u.Capabilities {
		caps[strings.ToLower(c)] = true
	}
	capability = strings.ToLower(capability)
	if caps[Owner] {
		return true
	}
	if channel != "" {
		scope := strings.ToLower(channel) + ","
		if caps[scope+"-"+capability] {
			return false
		}
		if caps[scope+capability] {
			return true
		}
	}
	if caps["-"+capability] {
		return false
	}
	return caps[capability]
}

// Users is the registry of bot users.
type Users struct {
	mu    sync.RWMutex
	users map[string]*User // keyed by lowercased name
}

// NewUsers returns an empty registry.
func NewUsers() *Users {
	return &Users{users: make(map[string]*User)}
}

func userKey(name string) string {
	return strings.ToLower(name)
}

// Put adds or replaces a user.
func (us *Users) Put(u User) {
	us.mu.Lock()
	defer us.mu.Unlock()
	copied := u
	copied.Hostmasks = append([]string(nil), u.Hostmasks...)
	copied.Capabilities = append([]string(nil), u.Capabilities...)
	us.users[userKey(u.Name)] = &copied
}

// Get returns a copy of the named user.
func (us *Users) Get(name string) (User, bool) {
	us.mu.RLock()
	defer us.mu.RUnlock()
	u, ok := us.users[userKey(name)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Remove deletes a user.
func (us *Users) Remove(name string) bool {
	us.mu.Lock()
	defer us.mu.Unlock()
	if _, ok := us.users[userKey(name)]; !ok {
		return false
	}
	delete(us.users, userKey(name))
	return true
}

// All returns every user, sorted by name.
func (us *Users) All() []User {
	us.mu.RLock()
	defer us.mu.RUnlock()
	out := make([]User, 0, len(us.users))
	for _, u := range us.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByHostmask returns the first user (by name) with a matching hostmask.
func (us *Users) ByHostmask(hostmask string, cm text.Casemapping) (User, bool) {
	for _, u := range us.All() {
		for _, pattern := range u.Hostmasks {
			if Match(pattern, hostmask, cm) {
				return u, true
			}
		}
	}
	return User{}, false
}

// AddHostmask adds pattern to the named user unless it is already listed,
// and returns the updated user.
func (us *Users) AddHostmask(name, pattern string) (User, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	u, ok := us.users[userKey(name)]
	if !ok {
		return User{}, ErrNoSuchUser
	}
	for _, p := range u.Hostmasks {
		if strings.EqualFold(p, pattern) {
			return *u, nil
		}
	}
	u.Hostmasks = append(u.Hostmasks, pattern)
	return *u, nil
}

// SetPassword stores a bcrypt hash of password for the named user.
func (us *Users) SetPassword(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	u, ok := us.users[userKey(name)]
	if !ok {
		return ErrNoSuchUser
	}
	u.PasswordHash = hash
	return nil
}

// CheckPassword verifies a password for the named user.
func (us *Users) CheckPassword(name, password string) error {
	u, ok := us.Get(name)
	if !ok {
		return ErrNoSuchUser
	}
	if len(u.PasswordHash) == 0 {
		return ErrBadPassword
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return ErrBadPassword
	}
	return nil
}
