package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/warden/internal/testutil"
	"github.com/HerbHall/warden/pkg/models"
)

var testParams = models.KDFParams{Name: "pbkdf2-sha256", Iterations: 100_000, KeyLength: 32}

func enrollment(ident *models.Identity, withQuestion bool) Enrollment {
	e := Enrollment{
		Identity:   ident,
		Salt:       &models.SaltRecord{Value: []byte("0123456789abcdef")},
		Credential: &models.CredentialRecord{Hash: []byte("hash-v1"), Params: testParams},
	}
	if withQuestion {
		e.Question = &models.SecurityQuestion{
			Question:   "first pet?",
			AnswerHash: []byte("answer-hash"),
			Salt:       []byte("reset-salt-0123456"),
			Params:     testParams,
		}
	}
	return e
}

// runContract exercises behavior every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity(testutil.WithUsername("alice"),
			testutil.WithRole(models.RoleAdmin), testutil.WithGroups("ops", "dev"))
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		got, err := s.LookupIdentity(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, ident.ID, got.ID)
		assert.Equal(t, models.RoleAdmin, got.Role)
		assert.ElementsMatch(t, []string{"ops", "dev"}, got.Groups)
		assert.False(t, got.Suspended)
		assert.WithinDuration(t, ident.CreatedAt, got.CreatedAt, time.Second)

		byID, err := s.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Username)
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIdentity(ctx, enrollment(testutil.NewIdentity(testutil.WithUsername("bob")), false)))
		err := s.CreateIdentity(ctx, enrollment(testutil.NewIdentity(testutil.WithUsername("bob")), false))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown identity", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LookupIdentity(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotEmpty(t, CodeOf(err))

		_, err = s.GetLockout(ctx, "missing-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("suspend", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))
		require.NoError(t, s.SetSuspended(ctx, ident.ID, true))

		got, err := s.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)
		assert.True(t, got.Suspended)
	})

	t.Run("credential rotation", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		cred, salt, err := s.GetCredential(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("hash-v1"), cred.Hash)
		assert.Equal(t, cred.SaltID, salt.ID)
		assert.Equal(t, models.SaltLogon, salt.Purpose)
		assert.Equal(t, testParams, cred.Params)
		oldSaltID := salt.ID

		newSalt := &models.SaltRecord{Value: []byte("fedcba9876543210")}
		newCred := &models.CredentialRecord{Hash: []byte("hash-v2"), Params: testParams}
		require.NoError(t, s.RotateCredential(ctx, ident.ID, newSalt, newCred))

		cred, salt, err = s.GetCredential(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("hash-v2"), cred.Hash)
		assert.Equal(t, []byte("fedcba9876543210"), salt.Value)
		assert.NotEqual(t, oldSaltID, salt.ID)
		assert.Equal(t, salt.ID, cred.SaltID)

		err = s.RotateCredential(ctx, "missing-id", &models.SaltRecord{Value: []byte("x")}, newCred)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lockout threshold", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		var l *models.LockoutState
		var err error
		for i := 1; i <= 3; i++ {
			l, err = s.RecordFailure(ctx, ident.ID, 3)
			require.NoError(t, err)
			assert.Equal(t, i, l.Failures)
			assert.Equal(t, i == 3, l.Locked, "attempt %d", i)
		}

		stored, err := s.GetLockout(ctx, ident.ID)
		require.NoError(t, err)
		assert.True(t, stored.Locked)
		assert.Equal(t, l.Version, stored.Version)

		require.NoError(t, s.ResetLockout(ctx, ident.ID))
		stored, err = s.GetLockout(ctx, ident.ID)
		require.NoError(t, err)
		assert.False(t, stored.Locked)
		assert.Zero(t, stored.Failures)
	})

	t.Run("clear failures keeps second factor counter", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		_, err := s.RecordFailure(ctx, ident.ID, 5)
		require.NoError(t, err)
		_, err = s.RecordSecondFactorFailure(ctx, ident.ID, 5)
		require.NoError(t, err)
		require.NoError(t, s.ClearFailures(ctx, ident.ID))

		l, err := s.GetLockout(ctx, ident.ID)
		require.NoError(t, err)
		assert.Zero(t, l.Failures)
		assert.Equal(t, 1, l.SecondFactorFailures)
	})

	t.Run("clear second factor failures keeps login counter", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		_, err := s.RecordFailure(ctx, ident.ID, 2)
		require.NoError(t, err)
		_, err = s.RecordFailure(ctx, ident.ID, 2)
		require.NoError(t, err)
		_, err = s.RecordSecondFactorFailure(ctx, ident.ID, 5)
		require.NoError(t, err)
		require.NoError(t, s.ClearSecondFactorFailures(ctx, ident.ID))

		l, err := s.GetLockout(ctx, ident.ID)
		require.NoError(t, err)
		assert.Zero(t, l.SecondFactorFailures)
		assert.Equal(t, 2, l.Failures)
		assert.True(t, l.Locked)
	})

	t.Run("second factor limit sets online reset lock", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		l, err := s.RecordSecondFactorFailure(ctx, ident.ID, 2)
		require.NoError(t, err)
		assert.False(t, l.OnlineResetLocked)
		l, err = s.RecordSecondFactorFailure(ctx, ident.ID, 2)
		require.NoError(t, err)
		assert.True(t, l.OnlineResetLocked)
		assert.Zero(t, l.Failures, "login counter is independent")
		assert.False(t, l.Locked)
	})

	t.Run("security question", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, true)))

		q, err := s.GetSecurityQuestion(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, "first pet?", q.Question)
		assert.Equal(t, []byte("answer-hash"), q.AnswerHash)
		assert.Equal(t, []byte("reset-salt-0123456"), q.Salt)

		other := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(other, false)))
		_, err = s.GetSecurityQuestion(ctx, other.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("totp secret", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		_, err := s.GetTOTPSecret(ctx, ident.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetTOTPSecret(ctx, ident.ID, []byte("sealed-1")))
		require.NoError(t, s.SetTOTPSecret(ctx, ident.ID, []byte("sealed-2")))
		got, err := s.GetTOTPSecret(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed-2"), got)
	})

	t.Run("reset request single use", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		created := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.PutResetRequest(ctx, &models.ResetRequest{
			TokenHash: "tok-1", IdentityID: ident.ID, CodeHash: "code-1", CreatedAt: created,
		}))
		r, err := s.GetResetRequest(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, ident.ID, r.IdentityID)
		assert.Equal(t, "code-1", r.CodeHash)
		assert.WithinDuration(t, created, r.CreatedAt, time.Second)

		require.NoError(t, s.ConsumeResetRequest(ctx, "tok-1"))
		assert.ErrorIs(t, s.ConsumeResetRequest(ctx, "tok-1"), ErrNotFound)
		_, err = s.GetResetRequest(ctx, "tok-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("newer reset request replaces older", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))

		now := time.Now().UTC()
		require.NoError(t, s.PutResetRequest(ctx, &models.ResetRequest{TokenHash: "old", IdentityID: ident.ID, CreatedAt: now}))
		require.NoError(t, s.PutResetRequest(ctx, &models.ResetRequest{TokenHash: "new", IdentityID: ident.ID, CreatedAt: now}))

		_, err := s.GetResetRequest(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetResetRequest(ctx, "new")
		assert.NoError(t, err)
	})

	t.Run("complete reset is atomic and single use", func(t *testing.T) {
		s := newStore(t)
		ident := testutil.NewIdentity()
		require.NoError(t, s.CreateIdentity(ctx, enrollment(ident, false)))
		for range 3 {
			_, err := s.RecordFailure(ctx, ident.ID, 3)
			require.NoError(t, err)
		}
		_, err := s.RecordSecondFactorFailure(ctx, ident.ID, 1)
		require.NoError(t, err)
		require.NoError(t, s.PutResetRequest(ctx, &models.ResetRequest{
			TokenHash: "tok", IdentityID: ident.ID, CreatedAt: time.Now().UTC(),
		}))

		cred := &models.CredentialRecord{IdentityID: ident.ID, Hash: []byte("reset-hash"), Params: testParams}
		require.NoError(t, s.CompleteReset(ctx, "tok", &models.SaltRecord{Value: []byte("new-salt-0123456")}, cred))

		got, _, err := s.GetCredential(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("reset-hash"), got.Hash)
		l, err := s.GetLockout(ctx, ident.ID)
		require.NoError(t, err)
		assert.False(t, l.Locked)
		assert.False(t, l.OnlineResetLocked)
		assert.Zero(t, l.Failures)

		again := &models.CredentialRecord{IdentityID: ident.ID, Hash: []byte("second"), Params: testParams}
		err = s.CompleteReset(ctx, "tok", &models.SaltRecord{Value: []byte("other-salt-012345")}, again)
		assert.ErrorIs(t, err, ErrNotFound)
		got, _, err = s.GetCredential(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("reset-hash"), got.Hash, "second completion must not write")
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.LookupIdentity(cctx, "alice")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
