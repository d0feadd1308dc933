package mempool

import (
	"chainbft/types"
	"github.com/tendermint/tendermint/p2p"
)

type Mempool interface {
	// CheckTx检验一个新交易是否合法，来决定能否将其加入到mempool中
	CheckTx(types.Tx, TxInfo) error

	// ReapTxs从mempool中打包交易，打包交易的总大小不超过maxBytes
	// maxBytes为负数表示不限制大小
	ReapTxs(maxBytes int64) types.Txs

	// ReapMaxTxs从mempool中取出caller指定数量的交易
	// 如果max是负数则表示取出mempool所有的交易
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool，更新mempool前必须lock mempool
	Lock()

	// Unlock the Mempool
	Unlock()

	// Update 将已提交区块中的交易从mempool中删去
	// NOTE: 该函数只能在block被提交后才能调用
	// NOTE: caller负责Lock/Unlock
	Update(height int64, txs types.Txs) error

	// Flush将mempool中的所有交易和cache清空
	Flush()

	// TxsAvailable返回一个channel，每个高度mempool中首次有交易可打包时触发一次
	TxsAvailable() <-chan struct{}

	// Size返回mempool中的交易条数
	Size() int

	// TxsBytes返回mempool所有交易的byte大小
	TxsBytes() int64
}

//--------------------------------------------------------------------------------
// PreCheckFunc在交易进入mempool前执行，返回非nil错误则拒绝该交易
type PreCheckFunc func(types.Tx) error

// PreCheckMaxBytes 拒绝超过maxBytes大小的交易
func PreCheckMaxBytes(maxBytes int64) PreCheckFunc {
	return func(tx types.Tx) error {
		txSize := int64(len(tx))
		if txSize > maxBytes {
			return ErrTxTooLarge{maxBytes, txSize}
		}
		return nil
	}
}

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
