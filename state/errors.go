package state

import "github.com/pkg/errors"

// ErrInvalidBlock 区块没有通过提交前的校验
func ErrInvalidBlock(err error) error {
	return errors.Wrap(err, "invalid block")
}
