package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"
)

// Handler 返回只暴露 /debug/vars 的 mux
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// StartAsync 在 listenAddr 上启动 expvar 服务（非阻塞），ctx 结束时优雅关闭。
// 返回实际监听地址（listenAddr 端口为 0 时由系统分配）。
func StartAsync(ctx context.Context, listenAddr string) (string, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", err
	}
	s := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	return ln.Addr().String(), nil
}
