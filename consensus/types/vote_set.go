package types

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"chainbft/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrVoteUnexpected = errors.New("unexpected vote for this vote set")

	// ErrConflictingVotes - 同一个验证者在同一(height, round, type)上
	// 投出了不同hash的第二张票，第一张保留，第二张只作为证据
	ErrConflictingVotes = errors.New("conflicting votes from validator")
)

// VoteSet 单个(height, round, type)下的投票账本
// 重复投票是no-op，冲突投票保留证据但不计入quorum
type VoteSet struct {
	chainID  string
	height   int64
	round    int32
	voteType types.VoteType
	valSet   *types.ValidatorSet

	mtx           sync.Mutex
	votes         map[int32]*types.Vote // validator index -> first seen vote
	votesByBlock  map[string]int        // block hash key -> count
	maj23         *tmbytes.HexBytes     // 达成2f+1的hash（可能是nil vote的空hash）
	conflicting   []*types.Vote         // equivocation evidence
}

func NewVoteSet(chainID string, height int64, round int32,
	voteType types.VoteType, valSet *types.ValidatorSet) *VoteSet {
	return &VoteSet{
		chainID:      chainID,
		height:       height,
		round:        round,
		voteType:     voteType,
		valSet:       valSet,
		votes:        make(map[int32]*types.Vote),
		votesByBlock: make(map[string]int),
	}
}

func blockKey(hash tmbytes.HexBytes) string {
	return string(hash)
}

// AddVote 将投票计入账本
// 返回added=false且err=nil表示重复投票，直接忽略
func (vs *VoteSet) AddVote(vote *types.Vote) (added bool, err error) {
	if vs == nil {
		panic("AddVote() on nil VoteSet")
	}
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	if vote.Height != vs.height || vote.Round != vs.round || vote.Type != vs.voteType {
		return false, fmt.Errorf("%w: expected %d/%d/%v, got %d/%d/%v",
			ErrVoteUnexpected, vs.height, vs.round, vs.voteType,
			vote.Height, vote.Round, vote.Type)
	}

	valIndex := vote.ValidatorIndex
	if _, err := vs.valSet.PubKeyByIndex(valIndex); err != nil {
		return false, err
	}

	if existing, ok := vs.votes[valIndex]; ok {
		if existing.Equal(vote) {
			// 重复消息，幂等处理
			return false, nil
		}
		vs.conflicting = append(vs.conflicting, vote.Copy())
		return false, ErrConflictingVotes
	}

	vs.votes[valIndex] = vote.Copy()
	key := blockKey(vote.BlockHash)
	vs.votesByBlock[key]++

	if vs.votesByBlock[key] >= vs.valSet.QuorumSize() && vs.maj23 == nil {
		hash := vote.BlockHash
		vs.maj23 = &hash
	}

	return true, nil
}

// GetByIndex 返回该验证者的第一张投票，没有投票返回nil
func (vs *VoteSet) GetByIndex(valIndex int32) *types.Vote {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return vs.votes[valIndex]
}

// TwoThirdsMajority 如果某个hash达成2f+1返回该hash
// 返回的ok为true且hash为空表示nil vote达成quorum
func (vs *VoteSet) TwoThirdsMajority() (hash tmbytes.HexBytes, ok bool) {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	if vs.maj23 == nil {
		return nil, false
	}
	return *vs.maj23, true
}

// HasTwoThirdsMajority 是否有某个hash达成2f+1
func (vs *VoteSet) HasTwoThirdsMajority() bool {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return vs.maj23 != nil
}

// HasTwoThirdsAny 是否收到了任意2f+1张投票（不要求投向同一hash）
func (vs *VoteSet) HasTwoThirdsAny() bool {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return len(vs.votes) >= vs.valSet.QuorumSize()
}

// Size 已计入的投票数
func (vs *VoteSet) Size() int {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	return len(vs.votes)
}

// Conflicting 返回目前收集到的equivocation证据
func (vs *VoteSet) Conflicting() []*types.Vote {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()
	evidence := make([]*types.Vote, len(vs.conflicting))
	copy(evidence, vs.conflicting)
	return evidence
}

// MakeCommit 根据达成quorum的precommit生成quorum certificate
// 没有达成非nil quorum时返回nil
func (vs *VoteSet) MakeCommit() *types.Commit {
	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	if vs.voteType != types.PrecommitType {
		panic("cannot MakeCommit() unless VoteSet is for precommits")
	}
	if vs.maj23 == nil || len(*vs.maj23) == 0 {
		return nil
	}

	sigs := make([]types.CommitSig, 0, len(vs.votes))
	for _, vote := range vs.votes {
		if blockKey(vote.BlockHash) != blockKey(*vs.maj23) {
			continue
		}
		sigs = append(sigs, types.NewCommitSig(vote))
	}
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].ValidatorIndex < sigs[j].ValidatorIndex
	})

	return &types.Commit{
		Height:     vs.height,
		Round:      vs.round,
		BlockHash:  *vs.maj23,
		Signatures: sigs,
	}
}
