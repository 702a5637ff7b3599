package streamer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CometD 元通道
const (
	metaHandshake   = "/meta/handshake"
	metaConnect     = "/meta/connect"
	metaSubscribe   = "/meta/subscribe"
	metaDisconnect  = "/meta/disconnect"
	connectionType  = "websocket"
	protocolVersion = "1.0"
)

// message 是服务端下发的一条 CometD 消息
type message struct {
	Channel      string          `json:"channel"`
	ID           string          `json:"id,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	Successful   *bool           `json:"successful,omitempty"`
	Error        string          `json:"error,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Advice       map[string]any  `json:"advice,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

func (m message) ok() bool {
	return m.Successful != nil && *m.Successful
}

// ProtocolError 表示某个元通道应答 successful=false
type ProtocolError struct {
	Channel string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cometd %s failed: %s", e.Channel, e.Reason)
}

// decodeMessages 服务端可能下发单个对象，也可能下发数组
func decodeMessages(raw []byte) ([]message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return []message{m}, nil
	}
	var msgs []message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// outgoing 是认证扩展：没有 clientId 的消息（握手）都带上 token 和 advice
func outgoing(token string, msgs []map[string]any) []map[string]any {
	for _, m := range msgs {
		if _, ok := m["clientId"]; ok {
			continue
		}
		m["ext"] = map[string]any{authTokenExt: token}
		m["advice"] = map[string]any{"timeout": adviceTimeout, "interval": adviceInterval}
	}
	return msgs
}

func handshakeMsg() map[string]any {
	return map[string]any{
		"id":                       uuid.NewString(),
		"channel":                  metaHandshake,
		"version":                  protocolVersion,
		"minimumVersion":           protocolVersion,
		"supportedConnectionTypes": []string{connectionType},
	}
}

// connectMsg 首个 connect 带 timeout=0，让服务端立即应答
func connectMsg(clientID string, first bool) map[string]any {
	m := map[string]any{
		"id":             uuid.NewString(),
		"channel":        metaConnect,
		"clientId":       clientID,
		"connectionType": connectionType,
	}
	if first {
		m["advice"] = map[string]any{"timeout": 0}
	}
	return m
}

func subscribeMsg(clientID, channel string) map[string]any {
	return map[string]any{
		"id":           uuid.NewString(),
		"channel":      metaSubscribe,
		"clientId":     clientID,
		"subscription": channel,
	}
}

func publishMsg(clientID, channel string, data any) map[string]any {
	return map[string]any{
		"id":       uuid.NewString(),
		"channel":  channel,
		"clientId": clientID,
		"data":     data,
	}
}

func disconnectMsg(clientID string) map[string]any {
	return map[string]any{
		"id":       uuid.NewString(),
		"channel":  metaDisconnect,
		"clientId": clientID,
	}
}
