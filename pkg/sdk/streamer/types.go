// Package streamer 提供 dxFeed 行情流客户端（CometD over WebSocket）
package streamer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/gotasty/pkg/config"
)

const (
	// 行情数据下发通道
	DataChannel = "/service/data"
	// 订阅控制通道，消息体为 {add|remove|reset}
	SubscriptionChannel = "/service/sub"

	// 握手扩展中携带 streamer token 的字段
	authTokenExt = "com.devexperts.auth.AuthToken"

	// 握手 advice：长轮询 60 秒，无间隔
	adviceTimeout  = 60000
	adviceInterval = 0

	// 关闭时 /meta/disconnect 的写超时
	disconnectTimeout = time.Second
)

// EventType 是 dxFeed 事件类型，同时也是订阅消息里的 key
type EventType string

const (
	EventQuote   EventType = "Quote"
	EventTrade   EventType = "Trade"
	EventSummary EventType = "Summary"
	EventProfile EventType = "Profile"
	EventGreeks  EventType = "Greeks"
	EventTheo    EventType = "TheoPrice"
)

// Event 是一条解码后的行情事件
type Event struct {
	Type   EventType
	Symbol string
	// Fields 保存按字段表展开后的原始值（json.Number / string / bool / nil）
	Fields map[string]any
}

// Decimal 读取数值字段；缺失、null、NaN 都返回 ok=false
func (e Event) Decimal(field string) (decimal.Decimal, bool) {
	var s string
	switch v := e.Fields[field].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = v
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Zero, false
	}
	if s == "" || strings.EqualFold(s, "NaN") || strings.Contains(s, "Infinity") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Time 读取毫秒时间戳字段（如 eventTime）
func (e Event) Time(field string) (time.Time, bool) {
	d, ok := e.Decimal(field)
	if !ok || d.IsZero() {
		return time.Time{}, false
	}
	return time.UnixMilli(d.IntPart()).UTC(), true
}

// Quote 是 Quote 事件的强类型视图
type Quote struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	Time     time.Time
}

// Mid 返回买卖中间价
func (q Quote) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Quote 把 Quote 事件转换为强类型；其他类型返回 ok=false
func (e Event) Quote() (Quote, bool) {
	if e.Type != EventQuote {
		return Quote{}, false
	}
	q := Quote{Symbol: e.Symbol}
	q.BidPrice, _ = e.Decimal("bidPrice")
	q.BidSize, _ = e.Decimal("bidSize")
	q.AskPrice, _ = e.Decimal("askPrice")
	q.AskSize, _ = e.Decimal("askSize")
	q.Time, _ = e.Time("eventTime")
	return q, true
}

// Config 是行情流客户端配置
type Config struct {
	HandshakeTimeout time.Duration // 建连和 CometD 握手的超时
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// FromConfig 从全局配置的 streamer 段构造客户端配置
func FromConfig(cfg config.StreamerConfig) Config {
	c := DefaultConfig()
	if cfg.HandshakeTimeout > 0 {
		c.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.ReadBufferSize > 0 {
		c.ReadBufferSize = cfg.ReadBufferSize
	}
	if cfg.WriteBufferSize > 0 {
		c.WriteBufferSize = cfg.WriteBufferSize
	}
	return c
}
