package threshold

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"chainbft/crypto/bls"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

func seededStream(seed int64) cipher.Stream {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(seed))
	return blake2xb.New(bz)
}

var (
	ErrInvalidShareIndex = errors.New("invalid share index")
)

// Poly 由集群主私钥生成的随机多项式，节点私钥是多项式在各自编号上的取值
// 同样的(primary, t, seed)在所有节点上生成同样的多项式
type Poly struct {
	priPoly *share.PriPoly
}

// Master 根据主私钥构造度为t-1的秘密共享多项式
func Master(primary bls.PrivKey, t int, seed int64) *Poly {
	secret, err := primary.Scalar()
	if err != nil {
		panic(err)
	}

	suite := bls.Suite()
	priPoly := share.NewPriPoly(suite.G2(), t, secret, seededStream(seed))

	return &Poly{priPoly: priPoly}
}

// GetValue 返回编号为idx的节点私钥，idx从1开始计
func (p *Poly) GetValue(idx int64) (bls.PrivKey, error) {
	if idx <= 0 {
		return nil, ErrInvalidShareIndex
	}
	priShare := p.priPoly.Eval(int(idx))
	return bls.PrivKeyFromScalar(priShare.V), nil
}

// Threshold 返回恢复秘密所需的最小share数
func (p *Poly) Threshold() int {
	return p.priPoly.Threshold()
}
