// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
)

var (
	// ErrUnknownValidator - 查询的验证者不在当前验证者集合内
	ErrUnknownValidator = errors.New("unknown validator")
)

// ValidatorSet 某个高度区间内生效的验证者集合，一经构造不再修改
// 集合变更只发生在高度边界，变更时整体替换为新的ValidatorSet
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to validators should copy the value for safety.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))

	for _, val := range valz {
		vals.Validators = append(vals.Validators, val)
	}

	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// FaultTolerance 返回集合能容忍的拜占庭节点数f = floor((n-1)/3)
func (vals *ValidatorSet) FaultTolerance() int {
	return (vals.Size() - 1) / 3
}

// QuorumSize 返回法定投票数2f+1
func (vals *ValidatorSet) QuorumSize() int {
	return 2*vals.FaultTolerance() + 1
}

// Proposer 返回(height, round)的指定提案者
// round-robin，偏移量为height-1+round，高度1第0轮从0号验证者开始
// 所有诚实节点无需通信即可得到一致的结果
func (vals *ValidatorSet) Proposer(height int64, round int32) *Validator {
	if vals.IsNilOrEmpty() {
		return nil
	}
	idx := (height - 1 + int64(round)) % int64(vals.Size())
	return vals.Validators[idx].Copy()
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators: validatorListCopy(vals.Validators),
	}
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	for _, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index. It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// PubKeyByIndex 根据index返回验证者的公钥
// index超出集合范围返回ErrUnknownValidator
func (vals *ValidatorSet) PubKeyByIndex(index int32) (*Validator, error) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, ErrUnknownValidator
	}
	return vals.Validators[index].Copy(), nil
}

// Hash returns the merkle root hash built using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

func (vals *ValidatorSet) String() string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	return fmt.Sprintf("ValidatorSet{size: %v}", vals.Size())
}
