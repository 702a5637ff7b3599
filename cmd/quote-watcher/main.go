package main

import (
	"context"
	"flag"
	"fmt"
	"iter"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/session"
	"github.com/betbot/gotasty/pkg/sdk/streamer"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	symbolStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Width(8)

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// row 是一个标的的最新报价和上一次中间价（用于涨跌着色）
type row struct {
	quote   streamer.Quote
	prevMid decimal.Decimal
	updates int
}

// model 是应用程序的状态
type model struct {
	symbols []string
	rows    map[string]*row

	connected bool
	err       error
	started   time.Time
	now       time.Time

	events <-chan tea.Msg
	cancel context.CancelFunc
}

// quoteMsg 报价更新消息
type quoteMsg streamer.Quote

// streamErrMsg 行情流结束或出错
type streamErrMsg struct{ err error }

// connectedMsg 连接成功消息
type connectedMsg struct{ events <-chan tea.Msg }

// tickMsg 定时器消息
type tickMsg time.Time

func initialModel(symbols []string, cancel context.CancelFunc) model {
	rows := make(map[string]*row, len(symbols))
	for _, s := range symbols {
		rows[s] = &row{}
	}
	return model{symbols: symbols, rows: rows, started: time.Now(), now: time.Now(), cancel: cancel}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.cancel()
			return m, tea.Quit
		}

	case connectedMsg:
		m.connected = true
		m.events = msg.events
		return m, waitForEvent(m.events)

	case quoteMsg:
		q := streamer.Quote(msg)
		r, ok := m.rows[q.Symbol]
		if !ok {
			r = &row{}
			m.rows[q.Symbol] = r
			m.symbols = append(m.symbols, q.Symbol)
			sort.Strings(m.symbols)
		}
		if r.updates > 0 {
			r.prevMid = r.quote.Mid()
		}
		r.quote = q
		r.updates++
		return m, waitForEvent(m.events)

	case streamErrMsg:
		m.connected = false
		m.err = msg.err
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	status := upStyle.Render("● connected")
	if !m.connected {
		status = downStyle.Render("○ connecting")
	}
	if m.err != nil {
		status = downStyle.Render("✗ " + m.err.Error())
	}
	b.WriteString(headerStyle.Render("tasty quote watcher") + "  " + status + "\n\n")

	lines := []string{dimStyle.Render(fmt.Sprintf("%-8s %12s %8s %12s %8s %12s", "SYMBOL", "BID", "SIZE", "ASK", "SIZE", "MID"))}
	for _, sym := range m.symbols {
		r := m.rows[sym]
		if r.updates == 0 {
			lines = append(lines, symbolStyle.Render(sym)+dimStyle.Render(" waiting for quotes..."))
			continue
		}
		q := r.quote
		mid := q.Mid()
		midStr := fmt.Sprintf("%12s", mid.StringFixed(2))
		switch {
		case r.updates > 1 && mid.GreaterThan(r.prevMid):
			midStr = upStyle.Render(midStr)
		case r.updates > 1 && mid.LessThan(r.prevMid):
			midStr = downStyle.Render(midStr)
		}
		lines = append(lines, symbolStyle.Render(sym)+fmt.Sprintf(" %12s %8s %12s %8s ",
			q.BidPrice.StringFixed(2), q.BidSize.String(), q.AskPrice.StringFixed(2), q.AskSize.String())+midStr)
	}
	b.WriteString(borderStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("up %s · q to quit", m.now.Sub(m.started).Truncate(time.Second))))
	return b.String()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent 从行情 goroutine 取下一条消息
func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamErrMsg{err: fmt.Errorf("stream closed")}
		}
		return msg
	}
}

// connectCmd 登录、启动行情流并订阅，随后在后台把事件转成 tea.Msg
func connectCmd(ctx context.Context, cfg *config.Config, user, pass string, symbols []string) tea.Cmd {
	return func() tea.Msg {
		client := api.FromConfig(cfg.API)
		sess, err := session.Start(ctx, client, user, pass, session.FromConfig(cfg.Session)...)
		if err != nil {
			return streamErrMsg{err: err}
		}
		st, err := streamer.Start(ctx, sess, client, streamer.WithConfig(streamer.FromConfig(cfg.Streamer)))
		if err != nil {
			return streamErrMsg{err: err}
		}
		if err := st.AddSubscription(ctx, map[streamer.EventType][]string{streamer.EventQuote: symbols}); err != nil {
			_ = st.Close()
			return streamErrMsg{err: err}
		}

		events := make(chan tea.Msg, 256)
		go pump(ctx, st.Listen(ctx), events)
		return connectedMsg{events: events}
	}
}

// pump 把行情序列转成 tea.Msg；ctx 结束后不再阻塞在已无人读取的 channel 上
func pump(ctx context.Context, seq iter.Seq2[streamer.Event, error], events chan<- tea.Msg) {
	defer close(events)
	for ev, err := range seq {
		if err != nil {
			select {
			case events <- streamErrMsg{err: err}:
			case <-ctx.Done():
			}
			return
		}
		q, ok := ev.Quote()
		if !ok {
			continue
		}
		select {
		case events <- quoteMsg(q):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	symbolsFlag := flag.String("symbols", "SPY,QQQ,IWM", "逗号分隔的标的列表")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// 日志只写文件，避免干扰 TUI
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Quiet:      true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	user, pass := os.Getenv("TW_USER"), os.Getenv("TW_PASSWORD")
	if user == "" || pass == "" {
		fmt.Fprintln(os.Stderr, "TW_USER and TW_PASSWORD must be set")
		os.Exit(1)
	}

	var symbols []string
	for _, s := range strings.Split(*symbolsFlag, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(initialModel(symbols, cancel), tea.WithAltScreen())
	go func() {
		p.Send(connectCmd(ctx, cfg, user, pass, symbols)())
	}()
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "运行程序失败: %v\n", err)
		os.Exit(1)
	}
}
