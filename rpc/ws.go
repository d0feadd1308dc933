package rpc

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	"chainbft/consensus"
)

const (
	wsWriteWait      = 10 * time.Second
	wsCommitChanSize = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// rpc只在测试网内部暴露
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsSubscriberSeq uint64

// CommitStreamHandler 把每个已提交区块的quorum certificate推送给websocket客户端
// 客户端断开后取消订阅
func CommitStreamHandler(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "err", err)
			return
		}

		subscriber := fmt.Sprintf("ws-commit-stream-%d", atomic.AddUint64(&wsSubscriberSeq, 1))
		commitCh := make(chan *consensus.CommitEvent, wsCommitChanSize)

		env.ConsReactor.AddEventListener(subscriber, consensus.EventCommit, func(data events.EventData) {
			ev, ok := data.(*consensus.CommitEvent)
			if !ok {
				return
			}
			select {
			case commitCh <- ev:
			default:
				// 客户端消费太慢，丢弃本次推送
			}
		})

		logger.Info("websocket commit stream opened", "subscriber", subscriber, "remote", r.RemoteAddr)

		// 读routine只用来感知客户端断开
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer func() {
			env.ConsReactor.RemoveEventListener(subscriber)
			conn.Close()
			logger.Info("websocket commit stream closed", "subscriber", subscriber)
		}()

		for {
			select {
			case ev := <-commitCh:
				payload, err := json.Marshal(ev)
				if err != nil {
					logger.Error("marshal commit event failed", "err", err)
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
