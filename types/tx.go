package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Tx 对共识核心来说是不透明的字节串，具体的编码由应用层决定
type Tx []byte

// Hash 交易的内容hash，mempool和区块内都以该hash标识交易
func (tx Tx) Hash() []byte {
	return tmhash.Sum(tx)
}

func (tx Tx) ComputeSize() int64 {
	return int64(len(tx))
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%X}", tmbytes.Fingerprint(tx.Hash()))
}

// ===== tx array =====
type Txs []Tx

func CaputeSizeForTxs(txs Txs) int64 {
	var dataSize int64

	for _, tx := range txs {
		dataSize += tx.ComputeSize()
	}

	return dataSize
}

func (txs Txs) Append(tx Txs) Txs {
	return append(txs, tx...)
}

// Hash 返回交易形成的merkle tree的根value
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

// Index 返回tx在txs中的下标，不存在返回-1
func (txs Txs) Index(tx Tx) int {
	for i := range txs {
		if bytes.Equal(txs[i], tx) {
			return i
		}
	}
	return -1
}
