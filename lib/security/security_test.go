package security

import (
	"testing"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newAuthenticator() *Authenticator {
	return NewAuthenticator(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
}

func TestAuthenticate(t *testing.T) {
	a := newAuthenticator()
	require.NoError(t, a.CreateUser("alice", "secret", data.Authorizations{"A"}, false))
	require.True(t, errors.Is(a.CreateUser("alice", "other", nil, false), ErrUserExists))

	u, err := a.Authenticate(Credentials{User: "alice", Password: "secret"})
	require.NoError(t, err)
	require.Equal(t, "alice", u.Name)

	// cached
	_, err = a.Authenticate(Credentials{User: "alice", Password: "secret"})
	require.NoError(t, err)

	_, err = a.Authenticate(Credentials{User: "alice", Password: "wrong"})
	require.True(t, errors.Is(err, ErrBadCredentials))
	_, err = a.Authenticate(Credentials{User: "bob", Password: "secret"})
	require.True(t, errors.Is(err, ErrBadCredentials))

	require.NoError(t, a.DropUser("alice"))
	_, err = a.Authenticate(Credentials{User: "alice", Password: "secret"})
	require.True(t, errors.Is(err, ErrBadCredentials))
}

func TestLongPasswords(t *testing.T) {
	a := newAuthenticator()
	long := string(make([]byte, 100)) + "x"
	require.NoError(t, a.CreateUser("carol", long, nil, false))
	_, err := a.Authenticate(Credentials{User: "carol", Password: long[:len(long)-1] + "y"})
	require.Error(t, err, "characters after the 72nd byte count")
}

func TestPermissions(t *testing.T) {
	a := newAuthenticator()
	require.NoError(t, a.EnsureRoot("root"))
	require.NoError(t, a.EnsureRoot("ignored"))
	root, err := a.Authenticate(Credentials{User: RootUser, Password: "root"})
	require.NoError(t, err)

	require.NoError(t, a.CreateUser("alice", "pw", data.Authorizations{"A", "B"}, false))
	alice, err := a.Authenticate(Credentials{User: "alice", Password: "pw"})
	require.NoError(t, err)

	table := &metadata.TableConfig{Table: "1", Permissions: map[string][]string{"alice": {PermRead}}}
	meta := &metadata.TableConfig{Table: data.MetadataTableID}

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"root reads", CanRead(root, table), true},
		{"root writes metadata", CanWrite(root, meta), true},
		{"root system", CanPerformSystemActions(root), true},
		{"alice reads", CanRead(alice, table), true},
		{"alice writes", CanWrite(alice, table), false},
		{"alice writes metadata", CanWrite(alice, meta), false},
		{"alice system", CanPerformSystemActions(alice), false},
		{"unknown table", CanRead(alice, nil), false},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	require.NoError(t, CheckAuthorizations(alice, data.Authorizations{"A"}))
	require.True(t, errors.Is(CheckAuthorizations(alice, data.Authorizations{"C"}), ErrBadAuthorizations))
	require.NoError(t, CheckAuthorizations(root, data.Authorizations{"C"}))

	require.NoError(t, a.SetAuthorizations("alice", data.Authorizations{"C"}))
	alice, err = a.Authenticate(Credentials{User: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, CheckAuthorizations(alice, data.Authorizations{"C"}))
}
