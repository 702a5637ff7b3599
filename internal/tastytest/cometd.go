package tastytest

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 行情通道
const (
	DataChannel = "/service/data"
	SubChannel  = "/service/sub"
)

// QuoteFields 是假服务下发的 Quote 字段表
var QuoteFields = []string{"eventSymbol", "eventTime", "bidPrice", "bidSize", "askPrice", "askSize"}

// CometD 是一个只支持 websocket 传输的最小 CometD 服务端
type CometD struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	tokens    map[string]bool
	clients   map[*cometClient]struct{}
	subs      map[string]map[string]struct{}
	published []json.RawMessage
	// ConnectHold 是非首次 /meta/connect 的应答延迟（长轮询）
	connectHold time.Duration
	quotes      map[string][2]float64

	connected    chan struct{}
	disconnected chan struct{}
}

type cometClient struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	connects int
	done     chan struct{}
	once     sync.Once
}

func (c *cometClient) write(msgs ...map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msgs)
}

func (c *cometClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func newCometD() *CometD {
	return &CometD{
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tokens:       map[string]bool{},
		clients:      map[*cometClient]struct{}{},
		subs:         map[string]map[string]struct{}{},
		connectHold:  200 * time.Millisecond,
		quotes:       map[string][2]float64{},
		connected:    make(chan struct{}, 16),
		disconnected: make(chan struct{}, 16),
	}
}

func (d *CometD) issueToken() string {
	token := uuid.NewString()
	d.mu.Lock()
	d.tokens[token] = true
	d.mu.Unlock()
	return token
}

// SetQuote 设置订阅 Quote 时立即下发的报价
func (d *CometD) SetQuote(symbol string, bid, ask float64) {
	d.mu.Lock()
	d.quotes[symbol] = [2]float64{bid, ask}
	d.mu.Unlock()
}

// Subscriptions 返回当前订阅（事件类型 -> 排序后的 symbol 列表）
func (d *CometD) Subscriptions() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]string, len(d.subs))
	for typ, syms := range d.subs {
		list := make([]string, 0, len(syms))
		for s := range syms {
			list = append(list, s)
		}
		sort.Strings(list)
		out[typ] = list
	}
	return out
}

// Published 返回客户端在 /service/sub 上发布过的原始消息
func (d *CometD) Published() []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]json.RawMessage(nil), d.published...)
}

// Connected 每完成一次握手发送一个信号
func (d *CometD) Connected() <-chan struct{} {
	return d.connected
}

// Disconnected 每断开一个连接发送一个信号
func (d *CometD) Disconnected() <-chan struct{} {
	return d.disconnected
}

// Push 向所有已连接客户端在 channel 上推送 data
func (d *CometD) Push(channel string, data any) {
	d.mu.Lock()
	clients := make([]*cometClient, 0, len(d.clients))
	for c := range d.clients {
		if c.clientID != "" {
			clients = append(clients, c)
		}
	}
	d.mu.Unlock()
	for _, c := range clients {
		_ = c.write(map[string]any{"channel": channel, "data": data})
	}
}

func (d *CometD) closeAll() {
	d.mu.Lock()
	clients := make([]*cometClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleCometD(c *gin.Context) {
	d := s.streamer
	conn, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &cometClient{conn: conn, done: make(chan struct{})}

	d.mu.Lock()
	d.clients[cl] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.clients, cl)
		d.mu.Unlock()
		cl.close()
		select {
		case d.disconnected <- struct{}{}:
		default:
		}
	}()

	for {
		var msgs []map[string]any
		if err := conn.ReadJSON(&msgs); err != nil {
			return
		}
		for _, m := range msgs {
			d.handle(cl, m)
		}
	}
}

func (d *CometD) handle(cl *cometClient, m map[string]any) {
	channel, _ := m["channel"].(string)
	id := m["id"]

	switch channel {
	case "/meta/handshake":
		token := ""
		if ext, ok := m["ext"].(map[string]any); ok {
			token, _ = ext["com.devexperts.auth.AuthToken"].(string)
		}
		d.mu.Lock()
		ok := d.tokens[token]
		d.mu.Unlock()
		if !ok {
			_ = cl.write(map[string]any{
				"channel":    channel,
				"id":         id,
				"successful": false,
				"error":      "403::Unknown token",
				"advice":     map[string]any{"reconnect": "none"},
			})
			return
		}
		d.mu.Lock()
		cl.clientID = uuid.NewString()
		d.mu.Unlock()
		_ = cl.write(map[string]any{
			"channel":                  channel,
			"id":                       id,
			"successful":               true,
			"version":                  "1.0",
			"clientId":                 cl.clientID,
			"supportedConnectionTypes": []string{"websocket"},
			"advice":                   map[string]any{"reconnect": "retry", "interval": 0, "timeout": 60000},
		})
		select {
		case d.connected <- struct{}{}:
		default:
		}

	case "/meta/connect":
		reply := map[string]any{"channel": channel, "id": id, "successful": true, "clientId": cl.clientID}
		cl.connects++
		if cl.connects == 1 {
			_ = cl.write(reply)
			return
		}
		go func() {
			select {
			case <-cl.done:
			case <-time.After(d.connectHold):
				_ = cl.write(reply)
			}
		}()

	case "/meta/subscribe":
		_ = cl.write(map[string]any{
			"channel":      channel,
			"id":           id,
			"successful":   true,
			"clientId":     cl.clientID,
			"subscription": m["subscription"],
		})

	case "/meta/disconnect":
		_ = cl.write(map[string]any{"channel": channel, "id": id, "successful": true})
		cl.close()

	case SubChannel:
		raw, _ := json.Marshal(m["data"])
		d.mu.Lock()
		d.published = append(d.published, raw)
		d.mu.Unlock()
		added := d.applySubscription(m["data"])
		_ = cl.write(map[string]any{"channel": channel, "id": id, "successful": true})
		d.pushQuotes(cl, added)

	default:
		_ = cl.write(map[string]any{"channel": channel, "id": id, "successful": false, "error": "400::Unknown channel"})
	}
}

// applySubscription 处理 {add|remove|reset}，返回新增的 Quote symbol
func (d *CometD) applySubscription(payload any) []string {
	body, _ := payload.(map[string]any)
	d.mu.Lock()
	defer d.mu.Unlock()

	if reset, _ := body["reset"].(bool); reset {
		d.subs = map[string]map[string]struct{}{}
	}
	var added []string
	if add, ok := body["add"].(map[string]any); ok {
		for typ, syms := range add {
			set := d.subs[typ]
			if set == nil {
				set = map[string]struct{}{}
				d.subs[typ] = set
			}
			for _, s := range toStrings(syms) {
				set[s] = struct{}{}
				if typ == "Quote" {
					added = append(added, s)
				}
			}
		}
	}
	if remove, ok := body["remove"].(map[string]any); ok {
		for typ, syms := range remove {
			for _, s := range toStrings(syms) {
				delete(d.subs[typ], s)
			}
			if len(d.subs[typ]) == 0 {
				delete(d.subs, typ)
			}
		}
	}
	sort.Strings(added)
	return added
}

// pushQuotes 为新增订阅下发一条带字段表的 compact 报价
func (d *CometD) pushQuotes(cl *cometClient, symbols []string) {
	d.mu.Lock()
	var values []any
	for _, sym := range symbols {
		q, ok := d.quotes[sym]
		if !ok {
			continue
		}
		values = append(values, sym, time.Now().UnixMilli(), q[0], 100, q[1], 200)
	}
	d.mu.Unlock()
	if len(values) == 0 {
		return
	}
	_ = cl.write(map[string]any{
		"channel": DataChannel,
		"data":    []any{[]any{"Quote", QuoteFields}, values},
	})
}

func toStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
