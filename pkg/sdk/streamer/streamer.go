package streamer

import (
	"context"
	"iter"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/internal/metrics"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/session"
)

var (
	ErrClosed    = errors.New("streamer closed")
	ErrListening = errors.New("streamer is already being listened to")
)

// TokenAPI 获取行情流 token 和 websocket 地址
type TokenAPI interface {
	QuoteStreamerTokens(ctx context.Context, token string) (*api.Envelope, error)
}

type Option func(*Streamer)

func WithConfig(cfg Config) Option {
	return func(s *Streamer) { s.cfg = cfg }
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Streamer) { s.log = l }
}

// Streamer 维护一个 CometD 会话：握手、订阅数据通道、长轮询 connect。
// 订阅和 Close 可以并发调用；Listen 同一时间只能有一个消费者。
type Streamer struct {
	cfg Config
	log *logrus.Entry

	conn     *websocket.Conn
	url      string
	token    string
	clientID string
	writeMu  sync.Mutex

	// 订阅管理（事件类型 -> symbol 集合）
	subs  map[EventType]map[string]struct{}
	subMu sync.RWMutex

	// 握手期间读到的、不是应答的消息，交给 Listen
	pending []message
	mapper  *mapper

	listening atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start 获取 streamer token，建立连接并完成握手、订阅数据通道、清空服务端订阅
func Start(ctx context.Context, s api.TokenSource, remote TokenAPI, opts ...Option) (*Streamer, error) {
	st := &Streamer{
		cfg:    DefaultConfig(),
		subs:   make(map[EventType]map[string]struct{}),
		mapper: newMapper(),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.log == nil {
		st.log = logger.New("streamer")
	}
	if s == nil || s.Token() == "" {
		return nil, session.ErrNoToken
	}

	if err := st.fetchToken(ctx, s, remote); err != nil {
		return nil, err
	}
	if err := st.dial(ctx); err != nil {
		return nil, err
	}
	if err := st.handshake(ctx); err != nil {
		st.closed.Store(true)
		_ = st.conn.Close()
		return nil, err
	}

	st.log.WithField("url", st.url).Info("connected to quote stream")
	return st, nil
}

func (st *Streamer) fetchToken(ctx context.Context, s api.TokenSource, remote TokenAPI) error {
	env, err := remote.QuoteStreamerTokens(ctx, s.Token())
	if err != nil {
		return errors.Wrap(err, "quote streamer tokens")
	}
	if err := env.Err(); err != nil {
		st.log.WithError(err).Error("could not get quote streamer data")
		return errors.Wrap(err, "quote streamer tokens")
	}
	token, ok := api.LookupAs[string](env.Content, "data", "token")
	if !ok || token == "" {
		return errors.Wrap(api.ErrMalformedEnvelope, "quote streamer tokens: missing data.token")
	}
	wsURL, ok := api.LookupAs[string](env.Content, "data", "websocket-url")
	if !ok || wsURL == "" {
		return errors.Wrap(api.ErrMalformedEnvelope, "quote streamer tokens: missing data.websocket-url")
	}
	st.token = token
	st.url = strings.TrimSuffix(wsURL, "/") + "/cometd"
	return nil
}

func (st *Streamer) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		ReadBufferSize:   st.cfg.ReadBufferSize,
		WriteBufferSize:  st.cfg.WriteBufferSize,
		HandshakeTimeout: st.cfg.HandshakeTimeout,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "gotasty/1.0")

	conn, _, err := dialer.DialContext(ctx, st.url, headers)
	if err != nil {
		return errors.Wrapf(err, "dial %s", st.url)
	}
	st.conn = conn
	return nil
}

// handshake 按 CometD 顺序：handshake -> connect -> subscribe 数据通道 -> reset 订阅 -> 下一个长轮询 connect
func (st *Streamer) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, st.cfg.HandshakeTimeout)
	defer cancel()
	// 读操作不感知 ctx，超时直接关连接让读返回
	stop := context.AfterFunc(hctx, func() { _ = st.conn.Close() })
	defer stop()

	step := func(name string, msg map[string]any, reply string) (message, error) {
		if err := st.send(hctx, msg); err != nil {
			return message{}, st.stepErr(hctx, name, err)
		}
		m, err := st.await(reply)
		if err != nil {
			return message{}, st.stepErr(hctx, name, err)
		}
		if !m.ok() {
			return message{}, &ProtocolError{Channel: reply, Reason: m.Error}
		}
		return m, nil
	}

	m, err := step("handshake", handshakeMsg(), metaHandshake)
	if err != nil {
		return err
	}
	st.clientID = m.ClientID

	if _, err := step("connect", connectMsg(st.clientID, true), metaConnect); err != nil {
		return err
	}
	if _, err := step("subscribe", subscribeMsg(st.clientID, DataChannel), metaSubscribe); err != nil {
		return err
	}
	if err := st.publish(hctx, map[string]any{"reset": true}); err != nil {
		return st.stepErr(hctx, "reset", err)
	}
	if err := st.send(hctx, connectMsg(st.clientID, false)); err != nil {
		return st.stepErr(hctx, "connect", err)
	}
	return nil
}

func (st *Streamer) stepErr(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "cometd %s", step)
	}
	return errors.Wrapf(err, "cometd %s", step)
}

// await 读到指定通道的应答为止，中间的其他消息留给 Listen
func (st *Streamer) await(channel string) (message, error) {
	for {
		msgs, err := st.read()
		if err != nil {
			return message{}, err
		}
		for i, m := range msgs {
			if m.Channel == channel {
				st.pending = append(st.pending, msgs[i+1:]...)
				return m, nil
			}
			st.pending = append(st.pending, m)
		}
	}
}

func (st *Streamer) read() ([]message, error) {
	_, raw, err := st.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode cometd message")
	}
	metrics.StreamMessages.Add(int64(len(msgs)))
	return msgs, nil
}

func (st *Streamer) send(ctx context.Context, msgs ...map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if st.closed.Load() {
		return ErrClosed
	}
	deadline, _ := ctx.Deadline()
	_ = st.conn.SetWriteDeadline(deadline)
	return st.conn.WriteJSON(outgoing(st.token, msgs))
}

func (st *Streamer) publish(ctx context.Context, data any) error {
	st.log.WithField("data", data).Debug("publishing subscription update")
	return st.send(ctx, publishMsg(st.clientID, SubscriptionChannel, data))
}

// AddSubscription 增量订阅，例如 {EventQuote: {"SPY", "QQQ"}}
func (st *Streamer) AddSubscription(ctx context.Context, channels map[EventType][]string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := st.publish(ctx, map[string]any{"add": channels}); err != nil {
		return errors.Wrap(err, "add subscription")
	}
	st.subMu.Lock()
	for typ, symbols := range channels {
		set := st.subs[typ]
		if set == nil {
			set = make(map[string]struct{})
			st.subs[typ] = set
		}
		for _, sym := range symbols {
			set[sym] = struct{}{}
		}
	}
	st.subMu.Unlock()
	return nil
}

// RemoveSubscription 取消订阅
func (st *Streamer) RemoveSubscription(ctx context.Context, channels map[EventType][]string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := st.publish(ctx, map[string]any{"remove": channels}); err != nil {
		return errors.Wrap(err, "remove subscription")
	}
	st.subMu.Lock()
	for typ, symbols := range channels {
		for _, sym := range symbols {
			delete(st.subs[typ], sym)
		}
		if len(st.subs[typ]) == 0 {
			delete(st.subs, typ)
		}
	}
	st.subMu.Unlock()
	return nil
}

// ResetSubscriptions 清空所有订阅
func (st *Streamer) ResetSubscriptions(ctx context.Context) error {
	if err := st.publish(ctx, map[string]any{"reset": true}); err != nil {
		return errors.Wrap(err, "reset subscriptions")
	}
	st.subMu.Lock()
	st.subs = make(map[EventType]map[string]struct{})
	st.subMu.Unlock()
	return nil
}

// Subscriptions 返回本地记录的订阅（symbol 已排序）
func (st *Streamer) Subscriptions() map[EventType][]string {
	st.subMu.RLock()
	defer st.subMu.RUnlock()
	out := make(map[EventType][]string, len(st.subs))
	for typ, set := range st.subs {
		list := make([]string, 0, len(set))
		for sym := range set {
			list = append(list, sym)
		}
		sort.Strings(list)
		out[typ] = list
	}
	return out
}

// Listen 返回行情事件序列，按到达顺序产出，非数据通道的消息直接丢弃。
// 停止迭代或 ctx 结束都会关闭连接；ctx 结束时序列正常结束，不产出错误。
// 传输错误作为最后一个元素产出。
func (st *Streamer) Listen(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if !st.listening.CompareAndSwap(false, true) {
			yield(Event{}, ErrListening)
			return
		}
		defer st.Close()
		stop := context.AfterFunc(ctx, func() { _ = st.Close() })
		defer stop()

		pending := st.pending
		st.pending = nil
		for {
			msgs := pending
			pending = nil
			if len(msgs) == 0 {
				var err error
				msgs, err = st.read()
				if err != nil {
					if ctx.Err() != nil || st.closed.Load() {
						return
					}
					st.log.WithError(err).Warn("quote stream read failed")
					yield(Event{}, errors.Wrap(err, "read quote stream"))
					return
				}
			}
			for _, m := range msgs {
				if !st.dispatch(m, yield) {
					return
				}
			}
		}
	}
}

func (st *Streamer) dispatch(m message, yield func(Event, error) bool) bool {
	switch m.Channel {
	case metaConnect:
		// 长轮询：每收到一个 connect 应答就再发一个
		if !m.ok() {
			yield(Event{}, &ProtocolError{Channel: metaConnect, Reason: m.Error})
			return false
		}
		if err := st.send(context.Background(), connectMsg(st.clientID, false)); err != nil {
			if st.closed.Load() {
				return false
			}
			yield(Event{}, errors.Wrap(err, "cometd connect"))
			return false
		}
		return true

	case DataChannel:
		events, err := st.mapper.Map(m.Data)
		if err != nil {
			metrics.StreamDropped.Add(1)
			st.log.WithError(err).Warn("undecodable data packet dropped")
			return true
		}
		for _, ev := range events {
			metrics.StreamEvents.Add(1)
			if !yield(ev, nil) {
				return false
			}
		}
		return true

	default:
		metrics.StreamDropped.Add(1)
		st.log.WithField("channel", m.Channel).Debug("non-data message dropped")
		return true
	}
}

// Close 发送 /meta/disconnect 并关闭连接，可重复调用
func (st *Streamer) Close() error {
	st.closeOnce.Do(func() {
		st.writeMu.Lock()
		if !st.closed.Load() {
			_ = st.conn.SetWriteDeadline(time.Now().Add(disconnectTimeout))
			_ = st.conn.WriteJSON([]map[string]any{disconnectMsg(st.clientID)})
			st.closed.Store(true)
		}
		st.writeMu.Unlock()
		st.closeErr = st.conn.Close()
		st.log.Info("quote stream closed")
	})
	return st.closeErr
}
