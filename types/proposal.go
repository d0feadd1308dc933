package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Proposal - proposer在(height, round)上广播的提案
// 同一个proposer在同一轮发出两个hash不同的提案即为equivocation
type Proposal struct {
	Height        int64            `json:"height"`
	Round         int32            `json:"round"`
	BlockHash     tmbytes.HexBytes `json:"block_hash"`
	LastBlockHash tmbytes.HexBytes `json:"last_block_hash"`
	ProposerIndex int32            `json:"proposer_index"`
	Timestamp     time.Time        `json:"timestamp"`
	Signature     tmbytes.HexBytes `json:"signature"`

	Block *Block `json:"block"` // 提案携带的完整区块
}

// NewProposal 根据已组装好的区块构造提案，待签名
func NewProposal(height int64, round int32, proposerIndex int32, block *Block) *Proposal {
	return &Proposal{
		Height:        height,
		Round:         round,
		BlockHash:     block.Hash(),
		LastBlockHash: block.LastBlockHash,
		ProposerIndex: proposerIndex,
		Timestamp:     time.Now(),
		Block:         block,
	}
}

func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if p.Height < 0 {
		return errors.New("negative height")
	}
	if p.Round < 0 {
		return errors.New("negative round")
	}
	if p.ProposerIndex < 0 {
		return errors.New("negative proposer index")
	}
	if len(p.BlockHash) == 0 {
		return errors.New("proposal had no block hash")
	}
	if len(p.Signature) == 0 {
		return errors.New("proposal had no signature")
	}
	if p.Block == nil {
		return errors.New("proposal had no block")
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid proposal block: %w", err)
	}
	if !bytes.Equal(p.BlockHash, p.Block.Hash()) {
		return errors.New("proposal block hash mismatch")
	}
	return nil
}

func (p *Proposal) String() string {
	if p == nil {
		return "nil-Proposal"
	}
	return fmt.Sprintf("Proposal{%v/%02d %X by %d}",
		p.Height, p.Round, tmbytes.Fingerprint(p.BlockHash), p.ProposerIndex)
}

type canonicalProposal struct {
	ChainID       string           `json:"chain_id"`
	Height        int64            `json:"height"`
	Round         int32            `json:"round"`
	BlockHash     tmbytes.HexBytes `json:"block_hash"`
	LastBlockHash tmbytes.HexBytes `json:"last_block_hash"`
	Proposer      int32            `json:"proposer_index"`
}

// ProposalSignBytes 返回提案的canonical编码，签名和验签使用同一份编码
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	bz, err := tmjson.Marshal(canonicalProposal{
		ChainID:       chainID,
		Height:        p.Height,
		Round:         p.Round,
		BlockHash:     p.BlockHash,
		LastBlockHash: p.LastBlockHash,
		Proposer:      p.ProposerIndex,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

// Verify 使用proposer的公钥验证提案签名
func (p *Proposal) Verify(chainID string, pubKey crypto.PubKey) error {
	if !pubKey.VerifySignature(ProposalSignBytes(chainID, p), p.Signature) {
		return ErrVoteInvalidSignature
	}
	return nil
}
