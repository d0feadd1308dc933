package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockValidateBasic(t *testing.T) {
	val, _ := RandValidator()

	block := MakeBlock(1, Txs{Tx("tx1")})
	block.Fill("block_test", 1, 0, []byte("parent"), val.Address, []byte("valshash"), time.Now())

	// ValidateBasic自己持有锁并计算hash，不能卡死
	done := make(chan error, 1)
	go func() { done <- block.ValidateBasic() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ValidateBasic did not return")
	}
	assert.NotEmpty(t, block.Hash())

	var nilBlock *Block
	assert.Error(t, nilBlock.ValidateBasic())

	noParent := MakeBlock(1, Txs{Tx("tx1")})
	noParent.ChainID = "block_test"
	noParent.Height = 1
	assert.Error(t, noParent.ValidateBasic())

	negative := MakeBlock(1, Txs{Tx("tx1")})
	negative.Fill("block_test", 1, 0, []byte("parent"), val.Address, []byte("valshash"), time.Now())
	negative.Height = -1
	assert.Error(t, negative.ValidateBasic())
}
