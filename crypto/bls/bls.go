package bls

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

const (
	PrivKeyName = "chainbft/PrivKeyBLS"
	PubKeyName  = "chainbft/PubKeyBLS"

	KeyType = "bls256"
)

var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

// Suite 返回bls使用的pairing suite，threshold包依赖它派生子私钥
func Suite() *bn256.Suite {
	return suite
}

// GenPrivKey 随机生成一个bls私钥
func GenPrivKey() PrivKey {
	return genPrivKey(random.New())
}

// GenPrivKeyWithSeed 根据seed确定性地生成私钥，同样的seed生成同样的key
func GenPrivKeyWithSeed(seed int64) PrivKey {
	return genPrivKey(streamWithSeed(seed))
}

// GenTestPrivKey 测试用，等价于GenPrivKeyWithSeed
func GenTestPrivKey(seed int64) PrivKey {
	return GenPrivKeyWithSeed(seed)
}

func genPrivKey(stream cipher.Stream) PrivKey {
	scalar := suite.G2().Scalar().Pick(stream)
	return PrivKeyFromScalar(scalar)
}

func streamWithSeed(seed int64) cipher.Stream {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(seed))
	return blake2xb.New(bz)
}

// PrivKeyFromScalar 将kyber的scalar封装为PrivKey
func PrivKeyFromScalar(scalar kyber.Scalar) PrivKey {
	bz, err := scalar.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey(bz)
}

//-------------------------------------

var _ crypto.PrivKey = PrivKey{}

// PrivKey implements crypto.PrivKey, bn256曲线上的bls私钥
type PrivKey []byte

// Bytes returns the byte representation of the private key.
func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

// Scalar 还原出kyber的scalar表示
func (privKey PrivKey) Scalar() (kyber.Scalar, error) {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey); err != nil {
		return nil, fmt.Errorf("malformed bls private key: %w", err)
	}
	return scalar, nil
}

// Sign produces a bls signature on msg.
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	scalar, err := privKey.Scalar()
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, scalar, msg)
}

// PubKey derives the corresponding public key on G2.
func (privKey PrivKey) PubKey() crypto.PubKey {
	scalar, err := privKey.Scalar()
	if err != nil {
		panic(err)
	}
	point := suite.G2().Point().Mul(scalar, nil)
	bz, err := point.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return bytes.Equal(privKey[:], otherBLS[:])
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

//-------------------------------------

var _ crypto.PubKey = PubKey{}

// PubKey implements crypto.PubKey, G2上的bls公钥
type PubKey []byte

// Address is the first 20 bytes of the hashed public key.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

// Bytes returns the byte representation of the public key.
func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

// VerifySignature 验证msg上的bls签名，公钥、签名或消息不匹配返回false
func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(pubKey); err != nil {
		return false
	}
	return bls.Verify(suite, point, msg, sig) == nil
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey[:], otherBLS[:])
	}
	return false
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}
