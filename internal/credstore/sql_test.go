package credstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/warden/internal/testutil"
)

func newSQLStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLStore(context.Background(), testutil.NewStore(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestSQLStore_Contract(t *testing.T) {
	runContract(t, newSQLStore)
}

func TestSQLStore_MigrationsAreIdempotent(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	_, err := NewSQLStore(ctx, st, nil)
	require.NoError(t, err)
	_, err = NewSQLStore(ctx, st, nil)
	require.NoError(t, err)
}

func TestSQLStore_ConcurrentFailuresAreNotLost(t *testing.T) {
	s := newSQLStore(t)
	ctx := context.Background()
	ident := testutil.NewIdentity()
	require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordFailure(ctx, ident.ID, 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	l, err := s.GetLockout(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, l.Failures)
	assert.EqualValues(t, workers, l.Version)
}

func TestSQLStore_OldSaltIsSuperseded(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()
	s, err := NewSQLStore(ctx, st, nil)
	require.NoError(t, err)

	ident := testutil.NewIdentity()
	require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))
	for range 3 {
		require.NoError(t, s.RotateCredential(ctx, ident.ID,
			enrollment(ident, false).Salt, enrollment(ident, false).Credential))
	}

	var active, total int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM cred_salts WHERE identity_id = ? AND purpose = 'LOGON' AND superseded_at IS NULL`,
		ident.ID).Scan(&active))
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM cred_salts WHERE identity_id = ?`, ident.ID).Scan(&total))
	assert.Equal(t, 1, active, "exactly one live LOGON salt")
	assert.Equal(t, 4, total)
}
