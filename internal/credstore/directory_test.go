package credstore

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/warden/internal/testutil"
)

// fakeDirectory is an in-memory LDAP server good enough for the filters the
// store issues: equality, presence and a flat AND.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]map[string][]string
	// beforeModify runs with the lock held ahead of each modify.
	beforeModify func(dn string, attrs map[string][]string)
}

var _ Conn = (*fakeDirectory)(nil)

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[string]map[string][]string)}
}

func (f *fakeDirectory) Bind(string, string) error { return nil }

func (f *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	terms, err := parseFilter(req.Filter)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, err)
	}
	res := &ldap.SearchResult{}
	for dn, attrs := range f.entries {
		if !strings.HasSuffix(dn, req.BaseDN) || !matches(attrs, terms) {
			continue
		}
		res.Entries = append(res.Entries, ldap.NewEntry(dn, cloneAttrs(attrs)))
	}
	return res, nil
}

func (f *fakeDirectory) Add(req *ldap.AddRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[req.DN]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry exists"))
	}
	attrs := make(map[string][]string)
	for _, a := range req.Attributes {
		attrs[a.Type] = slices.Clone(a.Vals)
	}
	f.entries[req.DN] = attrs
	return nil
}

func (f *fakeDirectory) Modify(req *ldap.ModifyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.entries[req.DN]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such entry"))
	}
	if f.beforeModify != nil {
		f.beforeModify(req.DN, cur)
	}
	next := cloneAttrs(cur)
	for _, c := range req.Changes {
		name, vals := c.Modification.Type, c.Modification.Vals
		switch c.Operation {
		case ldap.AddAttribute:
			next[name] = append(next[name], vals...)
		case ldap.DeleteAttribute:
			if len(vals) == 0 {
				delete(next, name)
				continue
			}
			for _, v := range vals {
				i := slices.Index(next[name], v)
				if i < 0 {
					return ldap.NewError(ldap.LDAPResultNoSuchAttribute, fmt.Errorf("%s has no value %q", name, v))
				}
				next[name] = slices.Delete(next[name], i, i+1)
			}
			if len(next[name]) == 0 {
				delete(next, name)
			}
		case ldap.ReplaceAttribute:
			if len(vals) == 0 {
				delete(next, name)
			} else {
				next[name] = slices.Clone(vals)
			}
		}
	}
	f.entries[req.DN] = next
	return nil
}

func (f *fakeDirectory) Del(req *ldap.DelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[req.DN]; !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such entry"))
	}
	delete(f.entries, req.DN)
	return nil
}

type filterTerm struct {
	attr, value string
	present     bool
}

func parseFilter(filter string) ([]filterTerm, error) {
	f := strings.TrimSuffix(strings.TrimPrefix(filter, "("), ")")
	var parts []string
	if strings.HasPrefix(f, "&") {
		parts = strings.Split(strings.TrimSuffix(strings.TrimPrefix(f[1:], "("), ")"), ")(")
	} else {
		parts = []string{f}
	}
	terms := make([]filterTerm, 0, len(parts))
	for _, p := range parts {
		attr, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("unsupported filter %q", filter)
		}
		if value == "*" {
			terms = append(terms, filterTerm{attr: attr, present: true})
			continue
		}
		v, err := unescapeFilter(value)
		if err != nil {
			return nil, err
		}
		terms = append(terms, filterTerm{attr: attr, value: v})
	}
	return terms, nil
}

func unescapeFilter(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("bad escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

func matches(attrs map[string][]string, terms []filterTerm) bool {
	for _, t := range terms {
		vals := attrs[t.attr]
		if t.present {
			if len(vals) == 0 {
				return false
			}
			continue
		}
		if !slices.Contains(vals, t.value) {
			return false
		}
	}
	return true
}

func cloneAttrs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func newDirectoryStore(t *testing.T, fake *fakeDirectory, retries int) *DirectoryStore {
	t.Helper()
	closed := false
	s := NewDirectoryStore(DirectoryConfig{
		BaseDN:     "ou=identities,dc=example,dc=com",
		MaxRetries: retries,
	}, fake, func() error { closed = true; return nil }, zaptest.NewLogger(t))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		assert.True(t, closed)
	})
	return s
}

func TestDirectoryStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		return newDirectoryStore(t, newFakeDirectory(), 3)
	})
}

func TestDirectoryStore_EntryLayout(t *testing.T) {
	fake := newFakeDirectory()
	s := newDirectoryStore(t, fake, 3)
	ident := testutil.NewIdentity(testutil.WithUsername("o'neil, jr"))
	require.NoError(t, s.CreateIdentity(t.Context(), enrollment(ident, false)))

	require.Len(t, fake.entries, 1)
	for dn, attrs := range fake.entries {
		assert.Equal(t, `uid=o'neil\, jr,ou=identities,dc=example,dc=com`, dn)
		assert.Equal(t, []string{ident.ID}, attrs[attrID])
		assert.Equal(t, []string{"0"}, attrs[attrVersion])
		assert.NotContains(t, attrs[attrHash][0], "hash-v1", "hash is stored encoded")
	}

	got, err := s.LookupIdentity(t.Context(), "o'neil, jr")
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)
}

func TestDirectoryStore_FilterInjectionIsEscaped(t *testing.T) {
	s := newDirectoryStore(t, newFakeDirectory(), 3)
	require.NoError(t, s.CreateIdentity(t.Context(), enrollment(testutil.NewIdentity(testutil.WithUsername("admin")), false)))

	_, err := s.LookupIdentity(t.Context(), "*")
	assert.ErrorIs(t, err, ErrNotFound)
}

// bumpVersionOnce simulates another writer landing between read and modify.
func bumpVersionOnce(fake *fakeDirectory) {
	done := false
	fake.beforeModify = func(_ string, attrs map[string][]string) {
		if done {
			return
		}
		done = true
		v, _ := strconv.Atoi(attrs[attrVersion][0])
		attrs[attrVersion] = []string{strconv.Itoa(v + 1)}
	}
}

func TestDirectoryStore_LockoutCASRetries(t *testing.T) {
	fake := newFakeDirectory()
	s := newDirectoryStore(t, fake, 3)
	ident := testutil.NewIdentity()
	require.NoError(t, s.CreateIdentity(t.Context(), enrollment(ident, false)))

	bumpVersionOnce(fake)
	l, err := s.RecordFailure(t.Context(), ident.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Failures)
	assert.EqualValues(t, 2, l.Version)
}

func TestDirectoryStore_LockoutCASGivesUp(t *testing.T) {
	fake := newFakeDirectory()
	s := newDirectoryStore(t, fake, 1)
	ident := testutil.NewIdentity()
	require.NoError(t, s.CreateIdentity(t.Context(), enrollment(ident, false)))

	bumpVersionOnce(fake)
	_, err := s.RecordFailure(t.Context(), ident.ID, 3)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, strconv.Itoa(ldap.LDAPResultNoSuchAttribute), CodeOf(err))

	l, err := s.GetLockout(t.Context(), ident.ID)
	require.NoError(t, err)
	assert.Zero(t, l.Failures, "lost update must not be applied")
}

func TestDirectoryStore_BackendErrorCarriesCode(t *testing.T) {
	s := NewDirectoryStore(DirectoryConfig{BaseDN: "dc=example"}, failingConn{}, nil, nil)
	_, err := s.LookupIdentity(t.Context(), "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, strconv.Itoa(ldap.LDAPResultBusy), CodeOf(err))
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultBusy))
	assert.NoError(t, s.Close())
}

type failingConn struct{}

func (failingConn) Bind(string, string) error { return nil }
func (failingConn) Search(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	return nil, ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))
}
func (failingConn) Add(*ldap.AddRequest) error       { return nil }
func (failingConn) Modify(*ldap.ModifyRequest) error { return nil }
func (failingConn) Del(*ldap.DelRequest) error       { return nil }
