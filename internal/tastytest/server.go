// Package tastytest 提供测试用的假券商服务：gin 实现的 REST 接口 + CometD websocket 行情端点。
// 所有数据都在内存中，测试可以直接修改挂单列表、注入失败、统计调用次数。
package tastytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 默认测试账号
const (
	Username      = "tester"
	Password      = "secret"
	AccountNumber = "5WT00001"
)

// Record 是一条 JSON 记录（订单、持仓、流水……）
type Record = map[string]any

// RouteRequest 是一次下单/改单请求
type RouteRequest struct {
	Account string
	OrderID string // 改单时为被替换订单 id
	DryRun  bool
	Body    Record
}

// RouteHandler 自定义下单响应：返回状态码和完整响应体
type RouteHandler func(req RouteRequest) (int, any)

// Server 假券商服务
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// LoginFailures 前 N 次登录直接返回 401
	loginFailures int
	// rejectValidate 让所有 validate 请求失败
	rejectValidate bool
	tokens         map[string]bool

	nextOrderID  int64
	liveOrders   map[string][]Record
	history      map[string][]Record
	transactions map[string][]Record
	positions    map[string][]Record
	balances     map[string]Record
	status       map[string]Record
	requirements map[string]Record

	onRoute RouteHandler
	fees    Record

	calls     map[string]int
	lastQuery map[string]string
	lastRoute *RouteRequest

	streamer *CometD
}

// New 启动假服务，测试结束时自动关闭
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		tokens:       map[string]bool{},
		nextOrderID:  1000,
		liveOrders:   map[string][]Record{},
		history:      map[string][]Record{},
		transactions: map[string][]Record{},
		positions:    map[string][]Record{},
		balances:     map[string]Record{},
		status:       map[string]Record{},
		requirements: map[string]Record{},
		calls:        map[string]int{},
		lastQuery:    map[string]string{},
		fees: Record{
			"regulatory-fees":        "0.02",
			"regulatory-fees-effect": "Debit",
			"clearing-fees":          "0.23",
			"clearing-fees-effect":   "Debit",
			"commission":             "1.0",
			"commission-effect":      "Debit",
			"total-fees":             "1.25",
			"total-fees-effect":      "Debit",
		},
	}
	s.streamer = newCometD()

	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// Close 关闭 REST 服务和所有行情连接
func (s *Server) Close() {
	s.streamer.closeAll()
	s.Server.Close()
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.count())

	r.POST("/sessions", s.handleSessionStart)
	r.POST("/sessions/validate", s.handleSessionValidate)
	r.GET("/streamer/cometd", s.handleCometD)

	authed := r.Group("/", s.requireToken())
	authed.GET("/customers/me/accounts", s.handleAccounts)
	authed.GET("/quote-streamer-tokens", s.handleStreamerTokens)
	authed.GET("/margin/accounts/:acct/requirements", s.handleRequirements)

	acct := authed.Group("/accounts/:acct")
	acct.GET("/balances", s.handleBalances)
	acct.GET("/trading-status", s.handleTradingStatus)
	acct.GET("/positions", s.handlePositions)
	acct.GET("/transactions", s.handleTransactions)
	acct.GET("/orders", s.handleOrders)
	acct.GET("/orders/live", s.handleLiveOrders)
	acct.POST("/orders", s.handleRoute(false))
	acct.POST("/orders/dry-run", s.handleRoute(true))
	acct.PUT("/orders/:id", s.handleRoute(false))
	acct.PUT("/orders/:id/dry-run", s.handleRoute(true))
	acct.DELETE("/orders/:id", s.handleCancel)
	return r
}

// count 按 "METHOD 路由模板" 统计调用次数
func (s *Server) count() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[c.Request.Method+" "+c.FullPath()]++
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		ok := s.tokens[c.GetHeader("Authorization")]
		s.mu.Unlock()
		if !ok {
			abortError(c, http.StatusUnauthorized, "token_invalid", "This token is invalid or has expired")
			return
		}
		c.Next()
	}
}

func abortError(c *gin.Context, code int, errCode, msg string) {
	c.AbortWithStatusJSON(code, errorBody(errCode, msg))
}

func errorBody(errCode, msg string) gin.H {
	return gin.H{"error": gin.H{"code": errCode, "message": msg}}
}

// hasLiveOrder 调用方需持有 s.mu
func (s *Server) hasLiveOrder(account string, id int64) bool {
	for _, o := range s.liveOrders[account] {
		if recordID(o) == id {
			return true
		}
	}
	return false
}

func data(v any) gin.H {
	return gin.H{"data": v, "context": "/tastytest"}
}

func items(v []Record) gin.H {
	if v == nil {
		v = []Record{}
	}
	return data(gin.H{"items": v})
}

// ---- 测试控制接口 ----

// Calls 返回某个路由被调用的次数，key 形如 "DELETE /accounts/:acct/orders/:id"
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// FailLogins 让接下来的 n 次登录失败
func (s *Server) FailLogins(n int) {
	s.mu.Lock()
	s.loginFailures = n
	s.mu.Unlock()
}

// RejectValidation 让 validate 请求全部失败
func (s *Server) RejectValidation(reject bool) {
	s.mu.Lock()
	s.rejectValidate = reject
	s.mu.Unlock()
}

// RevokeTokens 让已发放的 token 全部失效
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	s.tokens = map[string]bool{}
	s.mu.Unlock()
}

// IssueToken 直接发放一个有效 token（跳过登录）
func (s *Server) IssueToken() string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()
	return token
}

// SetLiveOrders 替换账户的挂单列表
func (s *Server) SetLiveOrders(account string, orders ...Record) {
	s.mu.Lock()
	s.liveOrders[account] = orders
	s.mu.Unlock()
}

// LiveOrder 返回挂单列表中 id 对应的记录副本
func (s *Server) LiveOrder(account string, id int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.liveOrders[account] {
		if recordID(o) == id {
			return clone(o), true
		}
	}
	return nil, false
}

// UpdateLiveOrder 修改挂单列表中的一条记录
func (s *Server) UpdateLiveOrder(account string, id int64, fields Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.liveOrders[account] {
		if recordID(o) == id {
			for k, v := range fields {
				o[k] = v
			}
			return true
		}
	}
	return false
}

func (s *Server) SetOrderHistory(account string, orders ...Record) {
	s.mu.Lock()
	s.history[account] = orders
	s.mu.Unlock()
}

func (s *Server) SetTransactions(account string, txs ...Record) {
	s.mu.Lock()
	s.transactions[account] = txs
	s.mu.Unlock()
}

func (s *Server) SetPositions(account string, positions ...Record) {
	s.mu.Lock()
	s.positions[account] = positions
	s.mu.Unlock()
}

func (s *Server) SetBalances(account string, b Record) {
	s.mu.Lock()
	s.balances[account] = b
	s.mu.Unlock()
}

func (s *Server) SetTradingStatus(account string, st Record) {
	s.mu.Lock()
	s.status[account] = st
	s.mu.Unlock()
}

func (s *Server) SetRequirements(account string, req Record) {
	s.mu.Lock()
	s.requirements[account] = req
	s.mu.Unlock()
}

// OnRoute 替换默认的下单处理逻辑
func (s *Server) OnRoute(h RouteHandler) {
	s.mu.Lock()
	s.onRoute = h
	s.mu.Unlock()
}

// LastRoute 返回最近一次下单请求
func (s *Server) LastRoute() (RouteRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRoute == nil {
		return RouteRequest{}, false
	}
	return *s.lastRoute, true
}

// LastQuery 返回某个列表接口最近一次的 query string
func (s *Server) LastQuery(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery[path]
}

// Streamer 返回 CometD 端点，用于推送行情和检查订阅
func (s *Server) Streamer() *CometD {
	return s.streamer
}

// ---- REST handlers ----

func (s *Server) handleSessionStart(c *gin.Context) {
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.mu.Lock()
	if s.loginFailures > 0 {
		s.loginFailures--
		s.mu.Unlock()
		abortError(c, http.StatusUnauthorized, "invalid_credentials", "Invalid login, please check your username and password")
		return
	}
	s.mu.Unlock()

	if body.Login != Username || body.Password != Password {
		abortError(c, http.StatusUnauthorized, "invalid_credentials", "Invalid login, please check your username and password")
		return
	}

	token := s.IssueToken()
	c.JSON(http.StatusCreated, data(gin.H{
		"user": gin.H{
			"email":    Username + "@example.com",
			"username": Username,
		},
		"session-token": token,
	}))
}

func (s *Server) handleSessionValidate(c *gin.Context) {
	s.mu.Lock()
	ok := s.tokens[c.GetHeader("Authorization")] && !s.rejectValidate
	s.mu.Unlock()
	if !ok {
		abortError(c, http.StatusUnauthorized, "token_invalid", "This token is invalid or has expired")
		return
	}
	c.JSON(http.StatusCreated, data(gin.H{"username": Username}))
}

func (s *Server) handleAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, items([]Record{{
		"account": Record{
			"account-number":    AccountNumber,
			"nickname":          "Individual",
			"account-type-name": "Individual",
			"margin-or-cash":    "Margin",
			"is-closed":         false,
			"day-trader-status": false,
			"opened-at":         "2020-01-06T15:00:00.000+00:00",
		},
		"authority-level": "owner",
	}}))
}

func (s *Server) handleStreamerTokens(c *gin.Context) {
	token := s.streamer.issueToken()
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/streamer"
	c.JSON(http.StatusOK, data(gin.H{
		"token":         token,
		"streamer-url":  s.URL + "/streamer",
		"websocket-url": wsURL,
		"level":         "api",
	}))
}

func (s *Server) handleBalances(c *gin.Context) {
	acct := c.Param("acct")
	s.mu.Lock()
	b, ok := s.balances[acct]
	s.mu.Unlock()
	if !ok {
		b = Record{"account-number": acct, "cash-balance": "0.0", "net-liquidating-value": "0.0"}
	}
	c.JSON(http.StatusOK, data(b))
}

func (s *Server) handleTradingStatus(c *gin.Context) {
	acct := c.Param("acct")
	s.mu.Lock()
	st, ok := s.status[acct]
	s.mu.Unlock()
	if !ok {
		st = Record{"account-number": acct, "is-closed": false, "is-frozen": false, "options-level": "No Restrictions"}
	}
	c.JSON(http.StatusOK, data(st))
}

func (s *Server) handleRequirements(c *gin.Context) {
	acct := c.Param("acct")
	s.mu.Lock()
	req, ok := s.requirements[acct]
	s.mu.Unlock()
	if !ok {
		req = Record{"account-number": acct, "underlyings": []Record{}}
	}
	c.JSON(http.StatusOK, data(req))
}

func (s *Server) handlePositions(c *gin.Context) {
	s.mu.Lock()
	p := s.positions[c.Param("acct")]
	s.mu.Unlock()
	c.JSON(http.StatusOK, items(p))
}

func (s *Server) handleTransactions(c *gin.Context) {
	s.mu.Lock()
	txs := s.transactions[c.Param("acct")]
	s.lastQuery["transactions"] = c.Request.URL.RawQuery
	s.mu.Unlock()
	c.JSON(http.StatusOK, paginate(c, txs))
}

func (s *Server) handleOrders(c *gin.Context) {
	s.mu.Lock()
	orders := s.history[c.Param("acct")]
	s.lastQuery["orders"] = c.Request.URL.RawQuery
	s.mu.Unlock()

	if sym := c.Query("symbol"); sym != "" {
		var filtered []Record
		for _, o := range orders {
			if o["underlying-symbol"] == sym {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	c.JSON(http.StatusOK, paginate(c, orders))
}

// paginate 按 per-page / page-offset 切片，并附带 pagination 信息
func paginate(c *gin.Context, all []Record) gin.H {
	perPage, err := strconv.Atoi(c.DefaultQuery("per-page", "250"))
	if err != nil || perPage <= 0 {
		perPage = 250
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("page-offset", "0"))
	start := offset * perPage
	if start > len(all) {
		start = len(all)
	}
	end := min(start+perPage, len(all))
	page := all[start:end]
	if page == nil {
		page = []Record{}
	}
	return gin.H{
		"data": gin.H{"items": page},
		"pagination": gin.H{
			"per-page":           perPage,
			"page-offset":        offset,
			"item-offset":        start,
			"total-items":        len(all),
			"total-pages":        (len(all) + perPage - 1) / perPage,
			"current-item-count": len(page),
		},
	}
}

func (s *Server) handleLiveOrders(c *gin.Context) {
	s.mu.Lock()
	orders := make([]Record, 0, len(s.liveOrders[c.Param("acct")]))
	for _, o := range s.liveOrders[c.Param("acct")] {
		orders = append(orders, clone(o))
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, items(orders))
}

func (s *Server) handleRoute(dryRun bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body Record
		if err := c.ShouldBindJSON(&body); err != nil {
			abortError(c, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		req := RouteRequest{Account: c.Param("acct"), OrderID: c.Param("id"), DryRun: dryRun, Body: body}

		s.mu.Lock()
		s.lastRoute = &req
		h := s.onRoute
		s.mu.Unlock()

		if h != nil {
			code, resp := h(req)
			c.JSON(code, resp)
			return
		}
		code, resp := s.defaultRoute(req)
		c.JSON(code, resp)
	}
}

// defaultRoute 模拟券商：返回 routed 结构；实盘单会出现在挂单列表里（状态 Live）。
// 改单只能替换挂单列表里已有的订单，否则返回 404。
func (s *Server) defaultRoute(req RouteRequest) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var id int64
	if req.OrderID != "" {
		id, _ = strconv.ParseInt(req.OrderID, 10, 64)
		if !s.hasLiveOrder(req.Account, id) {
			return http.StatusNotFound, errorBody("order_not_found", "Order "+req.OrderID+" not found")
		}
	} else {
		s.nextOrderID++
		id = s.nextOrderID
	}

	rec := Record{
		"id":                         id,
		"account-number":             req.Account,
		"time-in-force":              req.Body["time-in-force"],
		"order-type":                 req.Body["order-type"],
		"size":                       legQuantity(req.Body),
		"underlying-symbol":          legSymbol(req.Body),
		"underlying-instrument-type": legInstrumentType(req.Body),
		"status":                     "Routed",
		"cancellable":                true,
		"editable":                   true,
		"edited":                     req.OrderID != "",
		"updated-at":                 now.UnixMilli(),
		"legs":                       routedLegs(req.Body),
	}
	for _, k := range []string{"price", "price-effect", "stop-trigger", "gtc-date"} {
		if v, ok := req.Body[k]; ok {
			rec[k] = v
		}
	}

	if req.DryRun {
		rec["status"] = "Received"
	} else {
		rec["received-at"] = now.Format(time.RFC3339Nano)
		live := clone(rec)
		live["status"] = "Live"
		live["contingent-status"] = "Pending Order"
		replaced := false
		for i, o := range s.liveOrders[req.Account] {
			if recordID(o) == id {
				s.liveOrders[req.Account][i] = live
				replaced = true
			}
		}
		if !replaced {
			s.liveOrders[req.Account] = append(s.liveOrders[req.Account], live)
		}
	}

	return http.StatusCreated, data(gin.H{
		"order": rec,
		"buying-power-effect": gin.H{
			"change-in-margin-requirement":             "100.0",
			"change-in-margin-requirement-effect":      "Debit",
			"change-in-buying-power":                   "101.25",
			"change-in-buying-power-effect":            "Debit",
			"current-buying-power":                     "10000.0",
			"current-buying-power-effect":              "Credit",
			"new-buying-power":                         "9898.75",
			"new-buying-power-effect":                  "Credit",
			"isolated-order-margin-requirement":        "100.0",
			"isolated-order-margin-requirement-effect": "Debit",
			"is-spread":                                false,
			"impact":                                   "101.25",
			"effect":                                   "Debit",
		},
		"fee-calculation": clone(s.fees),
		"warnings":        []Record{},
	})
}

// handleCancel 撤单：响应为 Cancel Requested，挂单列表里的记录变为 Cancelled
func (s *Server) handleCancel(c *gin.Context) {
	acct := c.Param("acct")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_id", "bad order id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.liveOrders[acct] {
		if recordID(o) != id {
			continue
		}
		if o["cancellable"] != true {
			abortError(c, http.StatusUnprocessableEntity, "order_not_cancellable", "Order is not cancellable")
			return
		}
		now := time.Now().UTC()
		resp := clone(o)
		resp["status"] = "Cancel Requested"
		resp["updated-at"] = now.UnixMilli()

		o["status"] = "Cancelled"
		o["cancellable"] = false
		o["editable"] = false
		o["cancelled-at"] = now.Format(time.RFC3339Nano)
		o["terminal-at"] = now.Format(time.RFC3339Nano)
		o["updated-at"] = now.UnixMilli()
		c.JSON(http.StatusOK, data(resp))
		return
	}
	abortError(c, http.StatusNotFound, "record_not_found", fmt.Sprintf("order %d not found", id))
}

// ---- helpers ----

func recordID(o Record) int64 {
	switch v := o["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func clone(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func bodyLegs(body Record) []Record {
	raw, _ := body["legs"].([]any)
	legs := make([]Record, 0, len(raw))
	for _, l := range raw {
		if m, ok := l.(map[string]any); ok {
			legs = append(legs, m)
		}
	}
	return legs
}

func routedLegs(body Record) []Record {
	legs := bodyLegs(body)
	out := make([]Record, 0, len(legs))
	for _, l := range legs {
		leg := clone(l)
		leg["remaining-quantity"] = l["quantity"]
		leg["fills"] = []Record{}
		out = append(out, leg)
	}
	return out
}

func legSymbol(body Record) any {
	if legs := bodyLegs(body); len(legs) > 0 {
		return legs[0]["symbol"]
	}
	return nil
}

func legInstrumentType(body Record) any {
	if legs := bodyLegs(body); len(legs) > 0 {
		return legs[0]["instrument-type"]
	}
	return nil
}

func legQuantity(body Record) any {
	if legs := bodyLegs(body); len(legs) > 0 {
		return legs[0]["quantity"]
	}
	return nil
}
