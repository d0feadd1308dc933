package types

import (
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// CommitSig 构成Commit的单个precommit签名
type CommitSig struct {
	ValidatorAddress Address          `json:"validator_address"`
	ValidatorIndex   int32            `json:"validator_index"`
	Timestamp        time.Time        `json:"timestamp"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

// Commit表示一个区块可以提交的证据：
// 同一(height, round)上至少2f+1个不同验证者对同一个区块hash的precommit签名
type Commit struct {
	Height     int64            `json:"height"`
	Round      int32            `json:"round"`
	BlockHash  tmbytes.HexBytes `json:"block_hash"`
	Signatures []CommitSig      `json:"signatures"`
}

func NewCommitSig(vote *Vote) CommitSig {
	return CommitSig{
		ValidatorAddress: vote.ValidatorAddress,
		ValidatorIndex:   vote.ValidatorIndex,
		Timestamp:        vote.Timestamp,
		Signature:        vote.Signature,
	}
}

func (commit *Commit) ValidateBasic() error {
	if commit == nil {
		return errors.New("nil commit")
	}
	if commit.Height < 0 {
		return errors.New("negative height")
	}
	if commit.Round < 0 {
		return errors.New("negative round")
	}
	if len(commit.BlockHash) == 0 {
		return errors.New("commit certifies no block")
	}
	if len(commit.Signatures) == 0 {
		return errors.New("commit had no signatures")
	}
	seen := make(map[int32]struct{}, len(commit.Signatures))
	for idx, sig := range commit.Signatures {
		if len(sig.Signature) == 0 {
			return fmt.Errorf("empty signature #%d", idx)
		}
		if _, ok := seen[sig.ValidatorIndex]; ok {
			return fmt.Errorf("duplicated validator %d in commit", sig.ValidatorIndex)
		}
		seen[sig.ValidatorIndex] = struct{}{}
	}
	return nil
}

// VerifySignatures 验证commit确实构成(height, BlockHash)上的法定证明：
// 至少vals.QuorumSize()个集合内验证者的合法precommit签名
func (commit *Commit) VerifySignatures(chainID string, vals *ValidatorSet) error {
	if err := commit.ValidateBasic(); err != nil {
		return err
	}

	valid := 0
	for _, sig := range commit.Signatures {
		val, err := vals.PubKeyByIndex(sig.ValidatorIndex)
		if err != nil {
			return err
		}
		vote := commit.GetVote(sig.ValidatorIndex)
		if err := vote.Verify(chainID, val.PubKey); err != nil {
			return fmt.Errorf("wrong signature from validator %d: %w", sig.ValidatorIndex, err)
		}
		valid++
	}

	if valid < vals.QuorumSize() {
		return fmt.Errorf("commit has %d valid signatures, quorum is %d", valid, vals.QuorumSize())
	}
	return nil
}

// GetVote 将第idx个签名还原成precommit投票，用于验签和转发
func (commit *Commit) GetVote(valIndex int32) *Vote {
	for _, sig := range commit.Signatures {
		if sig.ValidatorIndex != valIndex {
			continue
		}
		return &Vote{
			Type:             PrecommitType,
			Height:           commit.Height,
			Round:            commit.Round,
			BlockHash:        commit.BlockHash,
			Timestamp:        sig.Timestamp,
			ValidatorAddress: sig.ValidatorAddress,
			ValidatorIndex:   sig.ValidatorIndex,
			Signature:        sig.Signature,
		}
	}
	return nil
}

func (commit *Commit) Size() int {
	if commit == nil {
		return 0
	}
	return len(commit.Signatures)
}

func (commit *Commit) String() string {
	if commit == nil {
		return "nil-Commit"
	}
	return fmt.Sprintf("Commit{%v/%02d %X sigs: %d}",
		commit.Height, commit.Round, tmbytes.Fingerprint(commit.BlockHash), len(commit.Signatures))
}
