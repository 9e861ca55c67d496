package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-ledger/internal/domain"
)

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Transfer(owner, other, amt(700))
	require.NoError(t, err)
	_, err = l.Approve(owner, other, amt(50))
	require.NoError(t, err)
	_, err = l.Approve(other, another, amt(9))
	require.NoError(t, err)

	snap := mustSnapshot(t, l)
	assert.Equal(t, uint64(3), snap.Sequence)

	restored, err := Restore(snap, Options{Clock: fixedClock})
	require.NoError(t, err)

	assert.Equal(t, l.BalanceOf(owner), restored.BalanceOf(owner))
	assert.Equal(t, l.BalanceOf(other), restored.BalanceOf(other))
	assert.Equal(t, l.Allowance(owner, other), restored.Allowance(owner, other))
	assert.Equal(t, l.Allowance(other, another), restored.Allowance(other, another))
	assert.Equal(t, l.TotalSupply(), restored.TotalSupply())
	assert.Equal(t, l.Name(), restored.Name())
	assert.Equal(t, l.Symbol(), restored.Symbol())
	assert.Equal(t, l.Decimals(), restored.Decimals())
	assert.Equal(t, snap.Sequence, restored.Sequence())
	assert.Equal(t, snap, mustSnapshot(t, restored))

	// Sequence continues from the snapshot.
	tr, err := restored.Transfer(other, another, amt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tr.Sequence)
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	l := newTestLedger(t)
	snap := mustSnapshot(t, l)

	snap.Balances[owner].SetUint64(1)
	snap.Balances[other] = amt(5)

	assert.Equal(t, "21000000000000000000000000", l.BalanceOf(owner).Dec())
	assert.True(t, l.BalanceOf(other).IsZero())
}

func TestRestore_RejectsBrokenSupply(t *testing.T) {
	l := newTestLedger(t)
	snap := mustSnapshot(t, l)
	snap.Balances[other] = amt(1)

	_, err := Restore(snap, Options{})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRestore_RejectsMissingSupply(t *testing.T) {
	_, err := Restore(&domain.Snapshot{}, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Restore(nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInstructionFor_ReproducesTransition(t *testing.T) {
	source := newTestLedger(t)
	replica := newTestLedger(t)

	var transitions []*domain.Transition
	tr, err := source.Transfer(owner, other, amt(100))
	require.NoError(t, err)
	transitions = append(transitions, tr)
	tr, err = source.Approve(other, another, amt(40))
	require.NoError(t, err)
	transitions = append(transitions, tr)
	tr, err = source.TransferFrom(another, other, owner, amt(25))
	require.NoError(t, err)
	transitions = append(transitions, tr)

	for _, stored := range transitions {
		in, err := InstructionFor(stored)
		require.NoError(t, err)
		assert.Equal(t, stored.Kind, in.Kind())

		replayed, err := replica.Execute(stored.Caller, in)
		require.NoError(t, err)
		assert.Equal(t, stored, replayed)
	}

	assert.Equal(t, mustSnapshot(t, source), mustSnapshot(t, replica))
}

func TestInstructionFor_Invalid(t *testing.T) {
	_, err := InstructionFor(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = InstructionFor(&domain.Transition{Kind: "MINT", Amount: amt(1)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
