package nonce

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	from     common.Address
	randomID *big.Int
}

func (f fakeTx) From() common.Address  { return f.from }
func (f fakeTx) RandomID() *big.Int    { return f.randomID }

func tx(id int64) Transaction {
	return fakeTx{from: common.HexToAddress("0xabc"), randomID: big.NewInt(id)}
}

type fakeChain struct {
	height uint64
	blocks map[uint64][]Transaction
	err    error
}

func (c *fakeChain) Number() (uint64, error) { return c.height, c.err }

func (c *fakeChain) NumberHash(height uint64) (common.Hash, error) {
	if c.err != nil {
		return common.Hash{}, c.err
	}
	return common.BigToHash(big.NewInt(int64(height))), nil
}

func (c *fakeChain) Transactions(hash common.Hash) ([]Transaction, error) {
	if c.err != nil {
		return nil, c.err
	}
	height := hash.Big().Uint64()
	return c.blocks[height], nil
}

func TestOkIdempotent(t *testing.T) {
	c := NewCache(10)
	transaction := tx(1)
	require.True(t, c.Ok(transaction, true))
	require.False(t, c.Ok(transaction, true))
}

func TestOkWithoutInsertLeavesCacheUnchanged(t *testing.T) {
	c := NewCache(10)
	transaction := tx(1)
	require.True(t, c.Ok(transaction, false))
	require.True(t, c.Ok(transaction, false))
	require.Equal(t, 0, c.Len())
}

func TestDelRemovesKeys(t *testing.T) {
	c := NewCache(10)
	transaction := tx(1)
	c.Ok(transaction, true)
	require.Equal(t, 1, c.Len())
	c.Del([]Transaction{transaction})
	require.Equal(t, 0, c.Len())
	require.True(t, c.Ok(transaction, false))
}

func TestUpdateWindowSlide(t *testing.T) {
	// W=3, blocks 0..4 each with one tx (k0..k4).
	chain := &fakeChain{
		height: 4,
		blocks: map[uint64][]Transaction{
			0: {tx(0)}, 1: {tx(1)}, 2: {tx(2)}, 3: {tx(3)}, 4: {tx(4)},
		},
	}
	c := NewCache(3)
	require.NoError(t, c.Update(chain, true))
	require.True(t, c.Ok(tx(0), false), "k0 should have fallen outside the window")
	require.False(t, c.Ok(tx(1), false))
	require.False(t, c.Ok(tx(2), false))
	require.False(t, c.Ok(tx(3), false))
	require.False(t, c.Ok(tx(4), false))

	// A new block at height 5 with key k5, update(rebuild=false).
	chain.height = 5
	chain.blocks[5] = []Transaction{tx(5)}
	require.NoError(t, c.Update(chain, false))

	require.True(t, c.Ok(tx(1), false), "k1 should have slid out of the window")
	require.False(t, c.Ok(tx(2), false))
	require.False(t, c.Ok(tx(3), false))
	require.False(t, c.Ok(tx(4), false))
	require.False(t, c.Ok(tx(5), false))
}

func TestUpdateBoundaryHeightBelowWindow(t *testing.T) {
	chain := &fakeChain{height: 2, blocks: map[uint64][]Transaction{
		0: {tx(0)}, 1: {tx(1)}, 2: {tx(2)},
	}}
	c := NewCache(10)
	require.NoError(t, c.Update(chain, true))
	require.Equal(t, uint64(0), c.start)
}

func TestUpdateFailureLeavesPreviousStateUntouched(t *testing.T) {
	chain := &fakeChain{height: 4, blocks: map[uint64][]Transaction{
		0: {tx(0)}, 1: {tx(1)}, 2: {tx(2)}, 3: {tx(3)}, 4: {tx(4)},
	}}
	c := NewCache(3)
	require.NoError(t, c.Update(chain, true))
	sizeBefore := c.Len()
	startBefore, endBefore := c.start, c.end

	chain.height = 10
	chain.err = errors.New("boom")
	err := c.Update(chain, false)
	require.Error(t, err)
	require.Equal(t, sizeBefore, c.Len())
	require.Equal(t, startBefore, c.start)
	require.Equal(t, endBefore, c.end)
}
