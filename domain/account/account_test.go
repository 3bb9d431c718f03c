package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/tx"
)

func key(b byte) tx.PublicKey { return tx.PublicKey{0x03, b} }

func TestEnsureAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry(0)

	a, created := r.Ensure(key(1))
	require.True(t, created)
	assert.Equal(t, uint64(1), a.UserID)

	b, created := r.Ensure(key(2))
	require.True(t, created)
	assert.Equal(t, uint64(2), b.UserID)

	again, created := r.Ensure(key(1))
	assert.False(t, created)
	assert.Equal(t, uint64(1), again.UserID)

	pub, ok := r.PublicOf(2)
	require.True(t, ok)
	assert.Equal(t, key(2), pub)
	assert.Equal(t, uint64(2), r.LastUserID())
}

func TestNonce(t *testing.T) {
	r := NewRegistry(0)
	assert.Equal(t, uint32(0), r.Nonce(key(5)))
	assert.Equal(t, 0, r.Len(), "reading a nonce must not create the account")

	r.BumpNonce(key(5))
	r.BumpNonce(key(5))
	assert.Equal(t, uint32(2), r.Nonce(key(5)))
}

func TestTradePruning(t *testing.T) {
	r := NewRegistry(100)
	pub := key(1)
	r.RecordTrade(pub, Trade{Time: 10})
	r.RecordTrade(pub, Trade{Time: 50})
	r.RecordTrade(pub, Trade{Time: 111})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Trades, 2)
	assert.Equal(t, uint32(50), snap[0].Trades[0].Time)
}

func TestOrdersIndex(t *testing.T) {
	r := NewRegistry(0)
	pub := key(1)
	var s tx.Slice
	s[0] = 'b'

	_, ok := r.FindOrder(pub, s)
	assert.False(t, ok)

	r.AddOrder(pub, s, 9)
	idx, ok := r.FindOrder(pub, s)
	require.True(t, ok)
	assert.Equal(t, uint64(9), idx)

	r.RemoveOrder(pub, s)
	_, ok = r.FindOrder(pub, s)
	assert.False(t, ok)
}

func TestSnapshotLoad(t *testing.T) {
	r := NewRegistry(0)
	r.Ensure(key(2))
	r.Ensure(key(1))
	r.AddDeposit(key(1), Deposit{Amount: 3})
	r.BumpNonce(key(2))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, key(2), snap[0].Public)

	cp := NewRegistry(0)
	cp.Load(7, snap)
	assert.Equal(t, snap, cp.Snapshot())
	a, created := cp.Ensure(key(9))
	assert.True(t, created)
	assert.Equal(t, uint64(8), a.UserID)
}
