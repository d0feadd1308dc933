package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrVoteInvalidValidatorIdx = errors.New("invalid validator index")
	ErrVoteInvalidSignature    = errors.New("invalid signature")
)

type VoteType uint8

const (
	PrevoteType   = VoteType(1)
	PrecommitType = VoteType(2)
)

func (t VoteType) String() string {
	switch t {
	case PrevoteType:
		return "Prevote"
	case PrecommitType:
		return "Precommit"
	default:
		return "UnknownVote"
	}
}

func IsVoteTypeValid(t VoteType) bool {
	return t == PrevoteType || t == PrecommitType
}

// Vote - 单个验证者在某个(height, round)上对某个区块hash的投票
// BlockHash为空表示nil vote，即该轮不支持任何提案
type Vote struct {
	Type             VoteType         `json:"type"`
	Height           int64            `json:"height"`
	Round            int32            `json:"round"`
	BlockHash        tmbytes.HexBytes `json:"block_hash"`
	Timestamp        time.Time        `json:"timestamp"`
	ValidatorAddress Address          `json:"validator_address"`
	ValidatorIndex   int32            `json:"validator_index"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

// IsNil 投空票 - 不支持当前轮的任何提案
func (vote *Vote) IsNil() bool {
	return len(vote.BlockHash) == 0
}

// Equal 判断两张投票是否等价；不比较签名和时间戳
func (vote *Vote) Equal(other *Vote) bool {
	if vote == nil || other == nil {
		return false
	}
	return vote.Type == other.Type &&
		vote.Height == other.Height &&
		vote.Round == other.Round &&
		vote.ValidatorIndex == other.ValidatorIndex &&
		vote.BlockHash.String() == other.BlockHash.String()
}

func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return errors.New("nil vote")
	}
	if !IsVoteTypeValid(vote.Type) {
		return fmt.Errorf("unknown vote type: %v", vote.Type)
	}
	if vote.Height < 0 {
		return errors.New("negative height")
	}
	if vote.Round < 0 {
		return errors.New("negative round")
	}
	if vote.ValidatorIndex < 0 {
		return ErrVoteInvalidValidatorIdx
	}
	if len(vote.ValidatorAddress) == 0 {
		return errors.New("vote had no validator address")
	}
	if len(vote.Signature) == 0 {
		return errors.New("vote had no signature")
	}
	return nil
}

func (vote *Vote) Copy() *Vote {
	voteCopy := *vote
	return &voteCopy
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v/%02d/%v %X by %d}",
		vote.Height, vote.Round, vote.Type,
		tmbytes.Fingerprint(vote.BlockHash), vote.ValidatorIndex)
}

// canonicalVote 参与签名的投票字段，不含签名本身
type canonicalVote struct {
	ChainID   string           `json:"chain_id"`
	Type      VoteType         `json:"type"`
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	BlockHash tmbytes.HexBytes `json:"block_hash"`
	Validator int32            `json:"validator_index"`
}

// VoteSignBytes 返回投票的canonical编码，签名和验签使用同一份编码
func VoteSignBytes(chainID string, vote *Vote) []byte {
	bz, err := tmjson.Marshal(canonicalVote{
		ChainID:   chainID,
		Type:      vote.Type,
		Height:    vote.Height,
		Round:     vote.Round,
		BlockHash: vote.BlockHash,
		Validator: vote.ValidatorIndex,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

// Verify 使用验证者的公钥验证投票的签名
func (vote *Vote) Verify(chainID string, pubKey crypto.PubKey) error {
	if !pubKey.VerifySignature(VoteSignBytes(chainID, vote), vote.Signature) {
		return ErrVoteInvalidSignature
	}
	return nil
}
