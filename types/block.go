package types

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Block - local blockchain维护的区块的基本单位
// 提交后不再修改，后续区块只通过hash引用它
type Block struct {
	mtx    sync.Mutex
	Header `json:"header"`
	Data   `json:"data"`
}

// ValidateBasic 检验一个block是否有明确的结构错误
func (block *Block) ValidateBasic() error {
	if block == nil {
		return errors.New("nil block")
	}
	block.mtx.Lock()
	defer block.mtx.Unlock()

	if block.Height < 0 {
		return errors.New("block had negative height")
	}

	if block.LastBlockHash == nil {
		return errors.New("block had no last block hash")
	}

	// 已持有mtx，不能再调用block.Hash()
	block.fillHeader()
	if len(block.Header.Hash()) == 0 {
		return errors.New("block had no blockhash")
	}

	return nil
}

// 填补各种hash value
func (b *Block) fillHeader() {
	if b.TxsHash == nil {
		b.TxsHash = b.Data.Hash()
	}
}

func (b *Block) Hash() tmbytes.HexBytes {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.fillHeader()

	return b.Header.Hash()
}

// HashesEqual 比较两个区块的hash是否一致，任意一方为nil返回false
func (b *Block) HashesEqual(other *Block) bool {
	if b == nil || other == nil {
		return false
	}
	return b.Hash().String() == other.Hash().String()
}

type Header struct {
	// 基本的区块信息
	ChainID      string    `json:"chain_id"`
	Height       int64     `json:"height"`
	Round        int32     `json:"round"`         // 区块在哪一轮被提出
	ProposalTime time.Time `json:"proposal_time"` // 区块产生的时间，创世块则是系统开始运转的时间

	// 数据hash
	LastBlockHash   tmbytes.HexBytes `json:"last_block_hash"` // 上一个区块的hash
	TxsHash         tmbytes.HexBytes `json:"txs_hash"`        // transactions
	ResultHash      tmbytes.HexBytes `json:"result_hash"`     // 执行完transaction的应用状态hash
	ProposerAddress Address          `json:"proposer_address"`
	ValidatorsHash  tmbytes.HexBytes `json:"validators_hash"` // 当前高度生效的验证者集合的hash

	BlockHash tmbytes.HexBytes `json:"block_hash"` // 当前区块的hash
	Signature tmbytes.HexBytes `json:"signature"`  // proposer对区块的签名
}

func (h *Header) Fill(
	chainID string,
	height int64,
	round int32,
	lastBlockHash []byte,
	proposerAddr Address,
	validatorsHash []byte,
	proposalTime time.Time,
) {
	h.ChainID = chainID
	h.Height = height
	h.Round = round
	h.LastBlockHash = lastBlockHash
	h.ProposerAddress = proposerAddr
	h.ValidatorsHash = validatorsHash
	h.ProposalTime = proposalTime
}

// Hash 区块的内容hash；签名、hash本身不参与计算
func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	if h.BlockHash == nil {
		h.BlockHash = merkle.HashFromByteSlices([][]byte{
			[]byte(h.ChainID),
			heightBytes(h.Height),
			h.LastBlockHash,
			h.TxsHash,
			h.ResultHash,
			h.ValidatorsHash,
		})
	}
	return h.BlockHash
}

func heightBytes(h int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(h))
	return bz
}

type Data struct {
	Txs  Txs    `json:"txs"` // transcations
	hash []byte // temp value
}

func (d *Data) Hash() tmbytes.HexBytes {
	if d == nil {
		return (Txs{}).Hash()
	}
	if d.hash == nil {
		d.hash = d.Txs.Hash()
	}
	return d.hash
}

// MakeGenesisBlock 创世块，不携带交易，hash作为height 1的LastBlockHash
func MakeGenesisBlock(chainID string, genesisTime time.Time) *Block {
	block := &Block{
		Header: Header{
			ChainID:       chainID,
			Height:        0,
			ProposalTime:  genesisTime,
			LastBlockHash: []byte{},
		},
		Data: Data{
			Txs: Txs{},
		},
	}
	block.fillHeader()
	block.Header.Hash()
	return block
}

// MakeBlock 返回一个头信息待填充的区块
func MakeBlock(height int64, txs Txs) *Block {
	block := &Block{
		Header: Header{
			Height:       height,
			ProposalTime: time.Now(),
		},
		Data: Data{
			Txs: txs,
		},
	}
	return block
}
