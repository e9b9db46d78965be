package oracle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
	"github.com/punchamoorthee/invoiceledger/internal/oracle"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

func proof(t *testing.T, score int64, salt string) []byte {
	t.Helper()
	b, err := json.Marshal(oracle.OpeningProof{Score: score, Salt: salt})
	require.NoError(t, err)
	return b
}

func newOracle() *oracle.Oracle {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return oracle.New(store.NewMemoryStore(), oracle.SaltedHashVerifier{},
		oracle.WithClock(func() time.Time { return now }))
}

func TestOracle_CommitAndVerify(t *testing.T) {
	ctx := context.Background()
	o := newOracle()

	c, err := o.Commit(ctx, "orig-1", oracle.CommitmentHash(720, "s1"))
	require.NoError(t, err)
	assert.False(t, c.Verified)

	ok, limit, err := o.IsCreditworthy(ctx, "orig-1", 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, limit)

	v, err := o.Verify(ctx, "orig-1", 700, proof(t, 720, "s1"))
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, int64(700), v.MinThresholdProven)

	ok, limit, err = o.IsCreditworthy(ctx, "orig-1", 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10_000_000), limit)

	ok, _, err = o.IsCreditworthy(ctx, "orig-1", 10_000_001)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOracle_VerifyFailsClosed(t *testing.T) {
	ctx := context.Background()
	o := newOracle()

	_, err := o.Verify(ctx, "orig-1", 700, proof(t, 720, "s1"))
	assert.ErrorIs(t, err, domain.ErrVerificationFailed, "no commitment")

	_, err = o.Commit(ctx, "orig-1", oracle.CommitmentHash(720, "s1"))
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":       nil,
		"malformed":   []byte("{not json"),
		"wrong salt":  proof(t, 720, "s2"),
		"wrong score": proof(t, 800, "s1"),
		"below":       proof(t, 720, "s1"),
		"equal":       proof(t, 720, "s1"),
	}
	for name, p := range cases {
		threshold := int64(700)
		switch name {
		case "below":
			threshold = 721
		case "equal":
			threshold = 720
		}
		_, err := o.Verify(ctx, "orig-1", threshold, p)
		assert.ErrorIs(t, err, domain.ErrVerificationFailed, name)
	}

	st, err := o.Standing(ctx, "orig-1")
	assert.Nil(t, st)
	assert.ErrorIs(t, err, domain.ErrNotCreditworthy)
}

func TestOracle_VerifierErrorIsRejection(t *testing.T) {
	ctx := context.Background()
	broken := oracle.VerifierFunc(func(context.Context, string, int64, []byte) (bool, error) {
		return true, errors.New("prover offline")
	})
	o := oracle.New(store.NewMemoryStore(), broken)
	_, err := o.Commit(ctx, "orig-1", "h")
	require.NoError(t, err)

	_, err = o.Verify(ctx, "orig-1", 0, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
}

func TestOracle_RecommitResetsVerification(t *testing.T) {
	ctx := context.Background()
	o := newOracle()

	_, err := o.Commit(ctx, "orig-1", oracle.CommitmentHash(720, "s1"))
	require.NoError(t, err)
	_, err = o.Verify(ctx, "orig-1", 700, proof(t, 720, "s1"))
	require.NoError(t, err)

	_, err = o.Commit(ctx, "orig-1", oracle.CommitmentHash(600, "s9"))
	require.NoError(t, err)

	_, err = o.Standing(ctx, "orig-1")
	assert.ErrorIs(t, err, domain.ErrNotCreditworthy)

	// the old proof no longer opens the new commitment
	_, err = o.Verify(ctx, "orig-1", 700, proof(t, 720, "s1"))
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
}

func TestOracle_CommitRejectsEmpty(t *testing.T) {
	_, err := newOracle().Commit(context.Background(), " ", "hash")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOracle_MaxAmountTiers(t *testing.T) {
	o := oracle.New(store.NewMemoryStore(), oracle.SaltedHashVerifier{}, oracle.WithTiers([]oracle.Tier{
		{MinScore: 700, MaxAmount: 5000},
		{MinScore: 500, MaxAmount: 1000},
	}))
	assert.Equal(t, int64(0), o.MaxAmount(499))
	assert.Equal(t, int64(1000), o.MaxAmount(500))
	assert.Equal(t, int64(1000), o.MaxAmount(699))
	assert.Equal(t, int64(5000), o.MaxAmount(900))
}

func TestSaltedHashVerifier_ScoreMustExceedThreshold(t *testing.T) {
	ctx := context.Background()
	hash := oracle.CommitmentHash(700, "s1")
	v := oracle.SaltedHashVerifier{}

	tests := []struct {
		threshold int64
		want      bool
	}{
		{threshold: 699, want: true},
		{threshold: 700, want: false},
		{threshold: 701, want: false},
	}
	for _, tt := range tests {
		ok, err := v.Verify(ctx, hash, tt.threshold, proof(t, 700, "s1"))
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "threshold %d", tt.threshold)
	}
}
