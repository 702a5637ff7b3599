package streamer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownSchema 表示收到了一个只带类型名、但之前从未下发过字段表的数据包
var ErrUnknownSchema = errors.New("no field schema for event type")

// mapper 解码 dxFeed compact 格式：
//
//	[["Quote", ["eventSymbol", "bidPrice", ...]], ["SPY", 450.1, ...]]
//	["Quote", ["QQQ", 380.2, ...]]
//
// 第一种带字段表，之后同类型的数据包只带类型名，沿用缓存的字段表。
// values 是平铺数组，按字段表长度切分成多条事件。
type mapper struct {
	schemas map[EventType][]string
}

func newMapper() *mapper {
	return &mapper{schemas: map[EventType][]string{}}
}

func (m *mapper) Map(raw json.RawMessage) ([]Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var packet []any
	if err := dec.Decode(&packet); err != nil {
		return nil, errors.Wrap(err, "decode data packet")
	}
	if len(packet) != 2 {
		return nil, errors.Errorf("data packet has %d parts, want 2", len(packet))
	}

	typ, fields, err := m.header(packet[0])
	if err != nil {
		return nil, err
	}
	values, ok := packet[1].([]any)
	if !ok {
		return nil, errors.Errorf("%s: values are %T, want array", typ, packet[1])
	}
	if len(values)%len(fields) != 0 {
		return nil, errors.Errorf("%s: %d values do not divide into %d fields", typ, len(values), len(fields))
	}

	events := make([]Event, 0, len(values)/len(fields))
	for i := 0; i < len(values); i += len(fields) {
		ev := Event{Type: typ, Fields: make(map[string]any, len(fields))}
		for j, name := range fields {
			ev.Fields[name] = values[i+j]
		}
		if sym, ok := ev.Fields["eventSymbol"].(string); ok {
			ev.Symbol = sym
		}
		events = append(events, ev)
	}
	return events, nil
}

func (m *mapper) header(h any) (EventType, []string, error) {
	switch v := h.(type) {
	case string:
		typ := EventType(v)
		fields, ok := m.schemas[typ]
		if !ok {
			return "", nil, errors.Wrap(ErrUnknownSchema, v)
		}
		return typ, fields, nil
	case []any:
		if len(v) != 2 {
			return "", nil, errors.Errorf("schema header has %d parts, want 2", len(v))
		}
		name, ok := v[0].(string)
		if !ok {
			return "", nil, errors.Errorf("schema type is %T, want string", v[0])
		}
		list, ok := v[1].([]any)
		if !ok || len(list) == 0 {
			return "", nil, errors.Errorf("%s: empty field schema", name)
		}
		fields := make([]string, len(list))
		for i, f := range list {
			fields[i] = fmt.Sprint(f)
		}
		typ := EventType(name)
		m.schemas[typ] = fields
		return typ, fields, nil
	default:
		return "", nil, errors.Errorf("unexpected packet header %T", h)
	}
}
