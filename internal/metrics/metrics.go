package metrics

import "expvar"

var (
	// REST 请求计数（按 "METHOD endpoint" 和状态码分组）
	HTTPRequests = expvar.NewMap("http_requests")
	HTTPStatus   = expvar.NewMap("http_status")

	SessionLogins       = expvar.NewInt("session_logins")
	SessionLoginRetries = expvar.NewInt("session_login_retries")
	SessionInvalidated  = expvar.NewInt("session_invalidated")

	OrdersRouted   = expvar.NewInt("orders_routed")
	OrdersDryRun   = expvar.NewInt("orders_dry_run")
	OrdersRejected = expvar.NewInt("orders_rejected")
	OrdersCancel   = expvar.NewInt("orders_cancel_requests")

	LiveSyncRuns      = expvar.NewInt("live_sync_runs")
	LiveSyncNotFound  = expvar.NewInt("live_sync_not_found")
	LiveSyncIntegrity = expvar.NewInt("live_sync_integrity_errors")

	StreamMessages = expvar.NewInt("stream_messages")
	StreamEvents   = expvar.NewInt("stream_events")
	StreamDropped  = expvar.NewInt("stream_dropped")
)

// ObserveRequest 记录一次 REST 请求
func ObserveRequest(method, endpoint string) {
	HTTPRequests.Add(method+" "+endpoint, 1)
}

// ObserveStatus 记录 REST 响应状态码
func ObserveStatus(_, _ string, code int) {
	HTTPStatus.Add(statusClass(code), 1)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
