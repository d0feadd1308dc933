package types

import (
	"fmt"
	"sync"

	"chainbft/types"
)

// HeightVoteSet 一个高度内全部轮次的投票账本
// round -> {Prevotes, Precommits}，高度推进时整体丢弃
type HeightVoteSet struct {
	chainID string
	height  int64
	valSet  *types.ValidatorSet

	mtx       sync.Mutex
	round     int32 // 已经初始化过的最大轮次
	roundVots map[int32]roundVoteSet
}

type roundVoteSet struct {
	Prevotes   *VoteSet
	Precommits *VoteSet
}

func NewHeightVoteSet(chainID string, height int64, valSet *types.ValidatorSet) *HeightVoteSet {
	hvs := &HeightVoteSet{
		chainID:   chainID,
		height:    height,
		valSet:    valSet,
		roundVots: make(map[int32]roundVoteSet),
	}
	hvs.addRound(0)
	return hvs
}

func (hvs *HeightVoteSet) Height() int64 {
	return hvs.height
}

// SetRound 确保0..round+1的voteset都已经建好
// 轮次提前收到下一轮的投票也能计入
func (hvs *HeightVoteSet) SetRound(round int32) {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	for r := hvs.round + 1; r <= round+1; r++ {
		hvs.addRound(r)
	}
	if round > hvs.round {
		hvs.round = round
	}
}

// caller must hold hvs.mtx (or be the constructor)
func (hvs *HeightVoteSet) addRound(round int32) {
	if _, ok := hvs.roundVots[round]; ok {
		return
	}
	hvs.roundVots[round] = roundVoteSet{
		Prevotes:   NewVoteSet(hvs.chainID, hvs.height, round, types.PrevoteType, hvs.valSet),
		Precommits: NewVoteSet(hvs.chainID, hvs.height, round, types.PrecommitType, hvs.valSet),
	}
}

// AddVote 将投票计入对应轮次的账本
func (hvs *HeightVoteSet) AddVote(vote *types.Vote) (added bool, err error) {
	if vote.Height != hvs.height {
		return false, fmt.Errorf("vote height %d does not match %d", vote.Height, hvs.height)
	}
	voteSet := hvs.getVoteSet(vote.Round, vote.Type)
	if voteSet == nil {
		hvs.SetRound(vote.Round)
		voteSet = hvs.getVoteSet(vote.Round, vote.Type)
	}
	return voteSet.AddVote(vote)
}

func (hvs *HeightVoteSet) Prevotes(round int32) *VoteSet {
	return hvs.getVoteSet(round, types.PrevoteType)
}

func (hvs *HeightVoteSet) Precommits(round int32) *VoteSet {
	return hvs.getVoteSet(round, types.PrecommitType)
}

func (hvs *HeightVoteSet) getVoteSet(round int32, voteType types.VoteType) *VoteSet {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	rvs, ok := hvs.roundVots[round]
	if !ok {
		return nil
	}
	switch voteType {
	case types.PrevoteType:
		return rvs.Prevotes
	case types.PrecommitType:
		return rvs.Precommits
	default:
		panic(fmt.Sprintf("unexpected vote type %v", voteType))
	}
}

// POLRound 返回大于给定轮次、prevote达成非nil quorum的最高轮
// 用于解锁判断；没有这样的轮次返回-1
func (hvs *HeightVoteSet) POLRound(afterRound int32) (int32, []byte) {
	hvs.mtx.Lock()
	maxRound := hvs.round
	hvs.mtx.Unlock()

	for r := maxRound; r > afterRound; r-- {
		prevotes := hvs.getVoteSet(r, types.PrevoteType)
		if prevotes == nil {
			continue
		}
		if hash, ok := prevotes.TwoThirdsMajority(); ok && len(hash) > 0 {
			return r, hash
		}
	}
	return -1, nil
}
