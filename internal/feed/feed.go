package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/logger"

	"github.com/gorilla/websocket"
)

// Sink 接收价格更新
type Sink interface {
	SetPrice(symbol string, price float64)
}

// PriceFeed 订阅一个交易对的 aggTrade 流, 把最新价推给 Sink。
// 连接断开后自动重连。
type PriceFeed struct {
	baseURL      string
	symbol       string
	sink         Sink
	pongWait     time.Duration
	pingInterval time.Duration

	mu        sync.RWMutex
	lastPrice float64
	lastAt    time.Time

	stopChannel chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// New 创建价格订阅。pingInterval 必须小于 pongWait。
func New(baseURL, symbol string, sink Sink, pingInterval, pongWait time.Duration) *PriceFeed {
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = (pongWait * 9) / 10
	}
	return &PriceFeed{
		baseURL:      baseURL,
		symbol:       symbol,
		sink:         sink,
		pongWait:     pongWait,
		pingInterval: pingInterval,
		stopChannel:  make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start 启动守护goroutine, 维持连接和重连
func (f *PriceFeed) Start() {
	go f.loop()
}

// Stop 停止订阅并等待循环退出
func (f *PriceFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stopChannel) })
	<-f.done
}

// LastPrice 返回最近一次收到的价格和时间, 尚未收到时返回 0
func (f *PriceFeed) LastPrice() (float64, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.lastAt
}

func (f *PriceFeed) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.stopChannel:
			logger.S().Infof("price feed for %s stopped", f.symbol)
			return
		default:
			conn, err := f.connect()
			if err != nil {
				logger.S().Warnf("price feed for %s failed to connect: %v, retrying in 5s", f.symbol, err)
				f.sleep(5 * time.Second)
				continue
			}
			logger.S().Infof("price feed for %s connected", f.symbol)
			if err := f.consume(conn); err != nil {
				logger.S().Warnf("price feed for %s dropped: %v", f.symbol, err)
			}
			conn.Close()
			f.sleep(5 * time.Second)
		}
	}
}

func (f *PriceFeed) connect() (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", f.baseURL, strings.ToLower(f.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

// consume 读取一条连接直到它断开, 心跳超时也视为断开
func (f *PriceFeed) consume(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.pongWait))
		return nil
	})

	pingTicker := time.NewTicker(f.pingInterval)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-f.stopChannel:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopChannel:
			// 发送关闭帧让服务端干净地结束连接
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return err
			}

			var event struct {
				Price json.Number `json:"p"`
			}
			if err := json.Unmarshal(message, &event); err != nil {
				logger.S().Debugf("price feed for %s skipped malformed message: %v", f.symbol, err)
				continue
			}
			price, err := event.Price.Float64()
			if err != nil || price <= 0 {
				continue
			}

			f.mu.Lock()
			f.lastPrice = price
			f.lastAt = time.Now()
			f.mu.Unlock()
			if f.sink != nil {
				f.sink.SetPrice(f.symbol, price)
			}
		}
	}
}

func (f *PriceFeed) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-f.stopChannel:
	}
}
