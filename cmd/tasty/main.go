package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/internal/metrics"
	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/account"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/order"
	"github.com/betbot/gotasty/pkg/sdk/session"
	"github.com/betbot/gotasty/pkg/sdk/streamer"
	"github.com/betbot/gotasty/pkg/shutdown"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Width(24)

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	debitStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // 红色
	creditStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // 绿色
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func row(label string, value any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(fmt.Sprint(value)))
}

func effect(amount decimal.Decimal, e order.PriceEffect) string {
	s := amount.StringFixed(2) + " " + e.String()
	if e == order.Debit {
		return debitStyle.Render(s)
	}
	return creditStyle.Render(s)
}

func logConfig(c config.LogConfig) logger.Config {
	return logger.Config{
		Level:      c.Level,
		OutputFile: c.OutputFile,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envPath := flag.String("env", ".env", "凭据文件（TW_USER / TW_PASSWORD）")
	accountFlag := flag.String("account", "", "账户号（默认使用第一个账户）")
	symbol := flag.String("symbol", "SPY", "试单标的")
	price := flag.String("price", "100.00", "试单限价")
	quantity := flag.String("qty", "1", "试单数量")
	streamFor := flag.Duration("stream", 0, "订阅报价的时长（0 表示不订阅）")
	metricsAddr := flag.String("metrics", "", "expvar 监听地址，例如 127.0.0.1:9090")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "未加载 %s，使用当前环境变量: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logConfig(cfg.Log)); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closer := shutdown.NewManager()
	defer drain(closer, log)

	if *metricsAddr != "" {
		addr, err := metrics.StartAsync(ctx, *metricsAddr)
		if err != nil {
			log.WithError(err).Fatal("metrics server failed to start")
		}
		log.Infof("metrics on http://%s/debug/vars", addr)
	}

	user, pass := os.Getenv("TW_USER"), os.Getenv("TW_PASSWORD")
	if user == "" || pass == "" {
		log.Fatal("TW_USER and TW_PASSWORD must be set")
	}

	if err := run(ctx, cfg, log, closer, runArgs{
		user:     user,
		password: pass,
		account:  *accountFlag,
		symbol:   strings.ToUpper(*symbol),
		price:    *price,
		quantity: *quantity,
		stream:   *streamFor,
	}); err != nil {
		log.WithError(err).Error("run failed")
		drain(closer, log)
		os.Exit(1)
	}
}

// drain 执行所有关闭回调，最多等待 5 秒
func drain(closer *shutdown.Manager, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}

type runArgs struct {
	user, password string
	account        string
	symbol         string
	price          string
	quantity       string
	stream         time.Duration
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry, closer *shutdown.Manager, args runArgs) error {
	client := api.FromConfig(cfg.API)

	sess, err := session.Start(ctx, client, args.user, args.password, session.FromConfig(cfg.Session)...)
	if err != nil {
		return err
	}

	reader := account.NewReader(client)
	accounts, err := reader.Accounts(ctx, sess)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no accounts for %s", args.user)
	}
	acct := accounts[0].Number
	if args.account != "" {
		acct = args.account
	}

	snap, err := reader.Everything(ctx, sess, acct)
	if err != nil {
		return err
	}
	printSnapshot(snap)

	price, err := decimal.NewFromString(args.price)
	if err != nil {
		return fmt.Errorf("bad -price: %w", err)
	}
	qty, err := decimal.NewFromString(args.quantity)
	if err != nil {
		return fmt.Errorf("bad -qty: %w", err)
	}

	o := order.New(acct, order.TypeLimit, order.Day).SetPrice(price, order.Debit)
	o.Source = cfg.Orders.Source
	if err := o.AddLeg(order.NewLeg(order.InstrumentEquity, args.symbol, order.BuyToOpen, qty)); err != nil {
		return err
	}

	engine := order.NewEngine(client, order.FromConfig(cfg.Orders)...)
	ok, err := engine.DryRun(ctx, sess, o)
	if err != nil {
		return err
	}
	printDryRun(o, ok)

	if args.stream > 0 {
		// 订阅期间同时轮询余额
		tracker := account.NewBalanceTracker(reader, sess, acct, args.stream/4, func(b account.Balance) {
			log.WithField("nlv", b.NetLiquidatingValue.StringFixed(2)).Info("balance refreshed")
		})
		tracker.Start()
		closer.OnShutdown("balance-tracker", func(context.Context) error {
			tracker.Stop()
			return nil
		})
		return streamQuotes(ctx, cfg, client, sess, closer, args.symbol, args.stream)
	}
	return nil
}

func printSnapshot(s *account.Snapshot) {
	lines := []string{
		titleStyle.Render("Account " + s.Account),
		row("Net liquidating value", s.Balances.NetLiquidatingValue.StringFixed(2)),
		row("Cash balance", s.Balances.CashBalance.StringFixed(2)),
		row("Equity buying power", s.Balances.EquityBuyingPower.StringFixed(2)),
		row("Options level", s.Status.OptionsLevel),
		row("Maintenance req.", s.Requirements.MaintenanceRequirement.StringFixed(2)),
		row("Positions", len(s.Positions)),
		row("Live orders", len(s.LiveOrders)),
		row("Orders (history)", len(s.Orders)),
		row("Transactions", len(s.Transactions)),
	}
	for _, p := range s.Positions {
		lines = append(lines, row("  "+p.Symbol, p.Quantity.String()+" "+p.QuantityDirection))
	}
	fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func printDryRun(o *order.Order, ok bool) {
	lines := []string{titleStyle.Render("Dry run " + o.Legs[0].Symbol)}
	if !ok {
		lines = append(lines, warnStyle.Render("rejected"))
		for _, e := range o.Errors {
			lines = append(lines, warnStyle.Render("  "+e.Code+": "+e.Message))
		}
		fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
		return
	}

	lines = append(lines, row("Status", o.Status), row("State", o.State()))
	if fees, err := o.TotalFees(); err == nil {
		lines = append(lines, row("Total fees", fees.StringFixed(2)))
	}
	if bp := o.BuyingPowerEffect; bp != nil {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render("Buying power change"), effect(bp.ChangeInBuyingPower, bp.ChangeInBuyingPowerEffect)))
	}
	for _, w := range o.Warnings {
		lines = append(lines, warnStyle.Render("  ! "+w.Message))
	}
	fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func streamQuotes(ctx context.Context, cfg *config.Config, client *api.Client, sess *session.Session, closer *shutdown.Manager, symbol string, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	st, err := streamer.Start(ctx, sess, client, streamer.WithConfig(streamer.FromConfig(cfg.Streamer)))
	if err != nil {
		return err
	}
	closer.OnShutdown("streamer", func(context.Context) error { return st.Close() })

	if err := st.AddSubscription(ctx, map[streamer.EventType][]string{streamer.EventQuote: {symbol}}); err != nil {
		return err
	}
	for ev, err := range st.Listen(ctx) {
		if err != nil {
			return err
		}
		q, ok := ev.Quote()
		if !ok {
			continue
		}
		fmt.Printf("%s  %s  bid %s x %s  ask %s x %s\n",
			q.Time.Local().Format("15:04:05"), valueStyle.Render(q.Symbol),
			creditStyle.Render(q.BidPrice.String()), q.BidSize,
			debitStyle.Render(q.AskPrice.String()), q.AskSize)
	}
	return nil
}
