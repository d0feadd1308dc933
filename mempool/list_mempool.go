package mempool

import (
	"container/list"
	"crypto/sha256"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	tmmath "github.com/tendermint/tendermint/libs/math"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft/types"
)

const (
	TxKeySize = 32
)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height:  height,
		config:  config,
		txs:     clist.New(),
		metric:  newMemMetric(),
		logger:  log.NewNopLogger(),
		updated: make(chan struct{}, 1),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	mem.preCheck = PreCheckMaxBytes(int64(config.MaxTxBytes))

	mem.txsAvailable = make(chan struct{}, 1)

	for _, option := range options {
		option(mem)
	}

	return mem
}

type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	txsAvailable         chan struct{} // fires once for each height, when the mempool is not empty
	notifiedTxsAvailable bool

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey -> *clist.CElement

	// Keep a cache of already-seen txs so replayed gossip is cheap to drop.
	cache txCache

	updated chan struct{}

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(mempool *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// CheckTx 检验交易合法性后加入到mempool中
// 重复的交易直接拒绝
func (mem *ListMempool) CheckTx(tx types.Tx, txinfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return err
		}
	}

	if mem.Size() >= mem.config.Size ||
		mem.TxsBytes()+int64(len(tx)) > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			NumTxs: mem.Size(), MaxTxs: mem.config.Size,
			TxsBytes: mem.TxsBytes(), MaxBytes: mem.config.MaxTxsBytes,
		}
	}

	if !mem.cache.Push(tx) {
		// cache命中时记录sender，避免再原路广播回去
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txinfo.SenderID, struct{}{})
		}
		return ErrTxInCache
	}

	if _, ok := mem.txsMap.Load(TxKey(tx)); ok {
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		height: mem.height,
		tx:     tx,
	}
	memTx.senders.Store(txinfo.SenderID, struct{}{})

	mem.logger.Debug("added tx", "tx", tx.Hash(), "txinfo", txinfo)
	mem.addTx(memTx)
	mem.notifyTxsAvailable()

	return nil
}

// ReapTxs 按先进先出的顺序打包交易，总大小不超过maxBytes
func (mem *ListMempool) ReapTxs(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var totalBytes int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		size := int64(len(memTx.tx))
		if maxBytes >= 0 && totalBytes+size > maxBytes {
			return txs
		}
		totalBytes += size
		txs = append(txs, memTx.tx)
	}

	return txs
}

// ReapMaxTxs 取出最多max条交易，max为负表示全部取出
func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}

	txs := make(types.Txs, 0, tmmath.MinInt(mem.txs.Len(), max))
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
	}

	return txs
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update 在height高度的区块提交后，将区块内的交易从mempool中移除
// caller负责Lock/Unlock
func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	mem.height = height
	mem.notifiedTxsAvailable = false

	for _, tx := range txs {
		// 已提交的交易留在cache里，旧广播再到达时直接丢弃
		mem.cache.Push(tx)

		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}

	if mem.Size() > 0 {
		mem.notifyTxsAvailable()
	}

	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTotalTxsBytes(mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	if mem.Size() == 0 {
		return
	}
	if !mem.notifiedTxsAvailable {
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txsMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, int64(len(memTx.tx)))
	mem.metric.MarkTxsNum(mem.txs.Len())
	mem.metric.MarkTotalTxsBytes(atomic.LoadInt64(&mem.txsBytes))
}

// removeTx 从链表和查询表中删除tx
func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(TxKey(tx))
	atomic.AddInt64(&mem.txsBytes, int64(-len(tx)))
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// StatusMetric rpc暴露的mempool状态快照
func (mem *ListMempool) StatusMetric() *memMetric {
	return mem.metric
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// mapTxCache 维护固定大小的LRU cache
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[[TxKeySize]byte]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push 成功加入cache返回true，tx已存在返回false
func (cache *mapTxCache) Push(tx types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	txHash := TxKey(tx)
	if moved, exists := cache.cacheMap[txHash]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedTxHash := popped.Value.([TxKeySize]byte)
			delete(cache.cacheMap, poppedTxHash)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(txHash)
	cache.cacheMap[txHash] = e
	return true
}

func (cache *mapTxCache) Remove(tx types.Tx) {
	cache.mtx.Lock()
	txHash := TxKey(tx)
	popped := cache.cacheMap[txHash]
	delete(cache.cacheMap, txHash)
	if popped != nil {
		cache.list.Remove(popped)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = nopTxCache{}

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

// ------------------------------

type mempoolTx struct {
	height int64 // height that this tx was seen at

	tx      types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

// ------------------------------
// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx types.Tx) [TxKeySize]byte {
	return sha256.Sum256(tx)
}
