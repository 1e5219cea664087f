package security

import (
	"crypto/sha256"
	"encoding/json"
	"slices"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
)

var Logger = logger.GetLogger("security")

var (
	ErrBadCredentials    = errors.New("bad credentials")
	ErrUserExists        = errors.New("user already exists")
	ErrBadAuthorizations = errors.New("authorizations not granted to user")
)

const bcryptCost = bcrypt.DefaultCost

// RootUser has all permissions
const RootUser = "root"

// Table permissions stored in metadata.TableConfig.Permissions
const (
	PermRead  = "read"
	PermWrite = "write"
)

// Credentials identify the caller of a request
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// User is the stored form of a user
type User struct {
	Name           string              `json:"name"`
	PasswordHash   []byte              `json:"passwordHash"`
	Authorizations data.Authorizations `json:"authorizations,omitempty"`
	// System users may perform system actions (coordinator commands, status of all tables)
	System bool `json:"system,omitempty"`
}

func userKey(name string) string {
	return "users/" + name
}

// HashPassword hashes a password with bcrypt. The password is pre-hashed with
// sha256 so passwords longer than the bcrypt limit of 72 bytes are fully used.
func HashPassword(password string) ([]byte, error) {
	h := sha256.Sum256([]byte(password))
	return bcrypt.GenerateFromPassword(h[:], bcryptCost)
}

func compareHashAndPassword(hash []byte, password string) error {
	h := sha256.Sum256([]byte(password))
	return bcrypt.CompareHashAndPassword(hash, h[:])
}

// Authenticator checks credentials against the users in the coordination store
// and the table permissions in the metadata.
type Authenticator struct {
	store store.IStore
	// verified caches the sha256 of the last verified password per user, bcrypt
	// is too expensive to run on every request
	verified *xsync.MapOf[string, [32]byte]
}

// NewAuthenticator creates an authenticator on the coordination store
func NewAuthenticator(s store.IStore) *Authenticator {
	return &Authenticator{store: s, verified: xsync.NewMapOf[string, [32]byte]()}
}

// CreateUser stores a new user
func (a *Authenticator) CreateUser(name, password string, auths data.Authorizations, system bool) error {
	hash, err := HashPassword(password)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	b, err := json.Marshal(User{Name: name, PasswordHash: hash, Authorizations: auths, System: system})
	if err != nil {
		return err
	}
	ok, err := a.store.SetEIfUnset(userKey(name), b, 0)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrUserExists, "user %s", name)
	}
	Logger.Infof("created user %s", name)
	return nil
}

// EnsureRoot creates the root user if it does not exist
func (a *Authenticator) EnsureRoot(password string) error {
	if _, err := a.user(RootUser); err == nil {
		return nil
	}
	err := a.CreateUser(RootUser, password, nil, true)
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	return err
}

// SetAuthorizations replaces the authorizations of a user
func (a *Authenticator) SetAuthorizations(name string, auths data.Authorizations) error {
	u, err := a.user(name)
	if err != nil {
		return err
	}
	u.Authorizations = auths
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return a.store.Set(userKey(name), b)
}

// DropUser removes a user
func (a *Authenticator) DropUser(name string) error {
	a.verified.Delete(name)
	return a.store.Delete(userKey(name))
}

func (a *Authenticator) user(name string) (*User, error) {
	b, ok, err := a.store.Get(userKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrBadCredentials, "unknown user %s", name)
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, errors.Wrapf(err, "decode user %s", name)
	}
	return &u, nil
}

// Authenticate verifies the credentials and returns the user
func (a *Authenticator) Authenticate(c Credentials) (*User, error) {
	u, err := a.user(c.User)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(c.Password))
	if cached, ok := a.verified.Load(c.User); ok && cached == sum {
		return u, nil
	}
	if err := compareHashAndPassword(u.PasswordHash, c.Password); err != nil {
		a.verified.Delete(c.User)
		return nil, errors.Wrapf(ErrBadCredentials, "user %s", c.User)
	}
	a.verified.Store(c.User, sum)
	return u, nil
}

// --------------------------------------------------------------------------
// Permissions
// --------------------------------------------------------------------------

// CanPerformSystemActions reports whether the user may run coordinator commands
func CanPerformSystemActions(u *User) bool {
	return u.System
}

func hasTablePermission(u *User, table *metadata.TableConfig, perm string) bool {
	if u.System {
		return true
	}
	if table == nil {
		return false
	}
	return slices.Contains(table.Permissions[u.Name], perm)
}

// CanRead reports whether the user may scan the table
func CanRead(u *User, table *metadata.TableConfig) bool {
	return hasTablePermission(u, table, PermRead)
}

// CanWrite reports whether the user may write to the table. Metadata tables are
// only writable by system users.
func CanWrite(u *User, table *metadata.TableConfig) bool {
	if table != nil && table.Table.IsMeta() {
		return u.System
	}
	return hasTablePermission(u, table, PermWrite)
}

// CheckAuthorizations fails if the requested authorizations are not granted to the user
func CheckAuthorizations(u *User, auths data.Authorizations) error {
	if u.System && u.Name == RootUser {
		return nil
	}
	if !u.Authorizations.Contains(auths) {
		return errors.Wrapf(ErrBadAuthorizations, "user %s requested %v", u.Name, auths)
	}
	return nil
}
