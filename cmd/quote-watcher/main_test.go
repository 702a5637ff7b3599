package main

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotasty/pkg/sdk/streamer"
)

func events(items ...any) iter.Seq2[streamer.Event, error] {
	return func(yield func(streamer.Event, error) bool) {
		for _, it := range items {
			var ok bool
			switch v := it.(type) {
			case error:
				ok = yield(streamer.Event{}, v)
			case streamer.Event:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func quote(symbol, bid, ask string) streamer.Event {
	return streamer.Event{Type: streamer.EventQuote, Symbol: symbol, Fields: map[string]any{
		"bidPrice": json.Number(bid),
		"askPrice": json.Number(ask),
	}}
}

func TestPump_ForwardsQuotesThenError(t *testing.T) {
	boom := errors.New("read quote stream: EOF")
	out := make(chan tea.Msg, 8)

	pump(context.Background(), events(
		quote("SPY", "450.1", "450.2"),
		streamer.Event{Type: streamer.EventTrade, Symbol: "SPY"},
		boom,
	), out)

	var got []tea.Msg
	for msg := range out {
		got = append(got, msg)
	}
	require.Len(t, got, 2)
	q, ok := got[0].(quoteMsg)
	require.True(t, ok)
	assert.Equal(t, "SPY", q.Symbol)
	assert.Equal(t, "450.15", streamer.Quote(q).Mid().String())
	assert.Equal(t, streamErrMsg{err: boom}, got[1])
}

func TestPump_DoesNotBlockAfterQuit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 无缓冲且无人读取：模拟界面已退出
	for _, seq := range []iter.Seq2[streamer.Event, error]{
		events(errors.New("connection reset")),
		events(quote("SPY", "1", "2")),
	} {
		out := make(chan tea.Msg)
		done := make(chan struct{})
		go func() {
			pump(ctx, seq, out)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pump blocked on a channel nobody reads")
		}
		_, open := <-out
		assert.False(t, open)
	}
}
