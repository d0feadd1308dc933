package consensus

import (
	"errors"
	"fmt"
	"sync"

	"chainbft/types"
)

// 校验失败的归类，状态机据此决定丢弃、缓存还是记录证据
// 校验永远返回typed error，恶意输入不会panic
var (
	ErrBadSignature     = errors.New("bad signature")
	ErrUnknownValidator = types.ErrUnknownValidator
	ErrMalformedMessage = errors.New("malformed message")
	ErrStaleHeight      = errors.New("stale height")
	ErrFutureHeight     = errors.New("future height")
	ErrEquivocation     = errors.New("equivocation")
)

const (
	seenKindProposal = uint8(0)
	seenKindPrevote  = uint8(1)
	seenKindPrecomit = uint8(2)
)

type seenKey struct {
	Height int64
	Round  int32
	Kind   uint8
	Val    int32
}

// Verifier 在消息进入状态机前完成结构、身份和签名校验
// first-seen缓存只保留当前高度的内容，提交后整体清空
type Verifier struct {
	chainID string

	mtx    sync.Mutex
	height int64
	vals   *types.ValidatorSet

	firstSeen map[seenKey]string // 首次见到的消息指纹，用于检出equivocation

	// equivocation证据：同一proposer同一轮签出的两个不同提案都要留存
	firstProposal map[seenKey]*types.Proposal
	conflicting   []*types.Proposal
}

func NewVerifier(chainID string, height int64, vals *types.ValidatorSet) *Verifier {
	return &Verifier{
		chainID:       chainID,
		height:        height,
		vals:          vals,
		firstSeen:     make(map[seenKey]string),
		firstProposal: make(map[seenKey]*types.Proposal),
	}
}

// AdvanceHeight 高度推进时换上新的验证者集合并清空equivocation缓存
func (v *Verifier) AdvanceHeight(height int64, vals *types.ValidatorSet) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.height = height
	v.vals = vals
	v.firstSeen = make(map[seenKey]string)
	v.firstProposal = make(map[seenKey]*types.Proposal)
	v.conflicting = nil
}

// Height 当前接受消息的高度
func (v *Verifier) Height() int64 {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.height
}

func (v *Verifier) checkHeight(h int64) error {
	if h < v.height {
		return ErrStaleHeight
	}
	if h > v.height {
		// 是否值得缓存由状态机决定，校验留到消息重放时再做
		return ErrFutureHeight
	}
	return nil
}

// VerifyVote 校验一张投票
// 依次检查结构、高度窗口、验证者身份、签名和equivocation
func (v *Verifier) VerifyVote(vote *types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	if err := v.checkHeight(vote.Height); err != nil {
		return err
	}

	val, err := v.vals.PubKeyByIndex(vote.ValidatorIndex)
	if err != nil {
		return ErrUnknownValidator
	}
	if !val.Address.Equal(vote.ValidatorAddress) {
		return fmt.Errorf("%w: address does not match index %d", ErrUnknownValidator, vote.ValidatorIndex)
	}

	if err := vote.Verify(v.chainID, val.PubKey); err != nil {
		return ErrBadSignature
	}

	kind := seenKindPrevote
	if vote.Type == types.PrecommitType {
		kind = seenKindPrecomit
	}
	return v.rememberFirst(seenKey{vote.Height, vote.Round, kind, vote.ValidatorIndex}, blockFingerprint(vote.BlockHash))
}

// VerifyProposal 校验一个提案
// 提案者是否是该轮的指定proposer由状态机判断，这里只校验身份和签名
func (v *Verifier) VerifyProposal(proposal *types.Proposal) error {
	if err := proposal.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	v.mtx.Lock()
	defer v.mtx.Unlock()

	if err := v.checkHeight(proposal.Height); err != nil {
		return err
	}

	val, err := v.vals.PubKeyByIndex(proposal.ProposerIndex)
	if err != nil {
		return ErrUnknownValidator
	}

	if err := proposal.Verify(v.chainID, val.PubKey); err != nil {
		return ErrBadSignature
	}

	key := seenKey{proposal.Height, proposal.Round, seenKindProposal, proposal.ProposerIndex}
	if err := v.rememberFirst(key, blockFingerprint(proposal.BlockHash)); err != nil {
		// 冲突的第二个提案连同第一个一起留作证据
		v.conflicting = append(v.conflicting, proposal)
		return err
	}
	if _, ok := v.firstProposal[key]; !ok {
		v.firstProposal[key] = proposal
	}
	return nil
}

// ConflictingProposals 当前高度收集到的提案equivocation证据
// 每一项都和同一(round, proposer)下首先生效的提案成对
func (v *Verifier) ConflictingProposals() []*types.Proposal {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	evidence := make([]*types.Proposal, 0, 2*len(v.conflicting))
	for _, second := range v.conflicting {
		key := seenKey{second.Height, second.Round, seenKindProposal, second.ProposerIndex}
		if first, ok := v.firstProposal[key]; ok {
			evidence = append(evidence, first)
		}
		evidence = append(evidence, second)
	}
	return evidence
}

// caller must hold v.mtx
func (v *Verifier) rememberFirst(key seenKey, fingerprint string) error {
	if first, ok := v.firstSeen[key]; ok {
		if first != fingerprint {
			return ErrEquivocation
		}
		return nil
	}
	v.firstSeen[key] = fingerprint
	return nil
}

func blockFingerprint(hash []byte) string {
	return string(hash)
}
