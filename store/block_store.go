package store

import (
	"fmt"
	"sync"

	"chainbft/types"
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
)

// Store 区块持久化接口
// SaveBlock必须原子写入：block、certificate和高度指针要么全部落盘要么全不落盘
type Store interface {
	// SaveBlock 持久化(block, commit)并推进已提交高度
	SaveBlock(block *types.Block, commit *types.Commit) error

	// LoadBlock 返回指定高度的区块，不存在返回nil
	LoadBlock(height int64) *types.Block

	// LoadCommit 返回指定高度区块的quorum certificate，不存在返回nil
	LoadCommit(height int64) *types.Commit

	// Height 最后一个已持久化区块的高度，空库返回0
	Height() int64
}

var (
	blockStoreHeightKey = []byte("blockStore:height")

	ErrNonContiguousSave = errors.New("non-contiguous block save")
)

func calcBlockKey(height int64) []byte {
	return []byte(fmt.Sprintf("BK:%v", height))
}

func calcCommitKey(height int64) []byte {
	return []byte(fmt.Sprintf("BC:%v", height))
}

// NewKVStore 打开leveldb后端的block store
func NewKVStore(name, dir string, logger log.Logger) (*BlockStore, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "open block store")
	}
	return NewKVStoreWithDB(db, logger), nil
}

// NewKVStoreWithDB 测试时传入memdb.NewDB()
func NewKVStoreWithDB(db tmdb.DB, logger log.Logger) *BlockStore {
	bs := &BlockStore{db: db, logger: logger}
	bs.height = bs.loadHeight()
	return bs
}

type BlockStore struct {
	db     tmdb.DB
	logger log.Logger

	mtx    sync.RWMutex
	height int64
}

var _ Store = (*BlockStore)(nil)

// SaveBlock implements Store
// 单个batch写入block、commit和高度指针，由后端保证原子性
func (bs *BlockStore) SaveBlock(block *types.Block, commit *types.Commit) error {
	if block == nil || commit == nil {
		return errors.New("save nil block or commit")
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	height := block.Height
	if bs.height != 0 && height != bs.height+1 {
		return errors.Wrapf(ErrNonContiguousSave, "have %d, saving %d", bs.height, height)
	}

	blockBytes, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshal block")
	}
	commitBytes, err := tmjson.Marshal(commit)
	if err != nil {
		return errors.Wrap(err, "marshal commit")
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(calcBlockKey(height), blockBytes); err != nil {
		return err
	}
	if err := batch.Set(calcCommitKey(height), commitBytes); err != nil {
		return err
	}
	if err := batch.Set(blockStoreHeightKey, []byte(fmt.Sprintf("%d", height))); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "write block at height %d", height)
	}

	bs.height = height
	return nil
}

// LoadBlock implements Store
func (bs *BlockStore) LoadBlock(height int64) *types.Block {
	bz, err := bs.db.Get(calcBlockKey(height))
	if err != nil || len(bz) == 0 {
		return nil
	}

	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		bs.logger.Error("unmarshal stored block failed", "err", err, "height", height)
		return nil
	}
	return block
}

// LoadCommit implements Store
func (bs *BlockStore) LoadCommit(height int64) *types.Commit {
	bz, err := bs.db.Get(calcCommitKey(height))
	if err != nil || len(bz) == 0 {
		return nil
	}

	commit := new(types.Commit)
	if err := tmjson.Unmarshal(bz, commit); err != nil {
		bs.logger.Error("unmarshal stored commit failed", "err", err, "height", height)
		return nil
	}
	return commit
}

// Height implements Store
func (bs *BlockStore) Height() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

func (bs *BlockStore) loadHeight() int64 {
	bz, err := bs.db.Get(blockStoreHeightKey)
	if err != nil || len(bz) == 0 {
		return 0
	}
	var height int64
	if _, err := fmt.Sscanf(string(bz), "%d", &height); err != nil {
		return 0
	}
	return height
}
