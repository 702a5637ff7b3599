package shutdown

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/pkg/logger"
)

// Handler 关闭回调，ctx 带整体超时
type Handler func(ctx context.Context) error

type hook struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册名记录回调，关闭时并发执行
type Manager struct {
	mu    sync.Mutex
	hooks []hook
	done  bool
	log   *logrus.Entry
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{log: logger.New("shutdown")}
}

// OnShutdown 注册关闭回调；Shutdown 之后注册的回调不会执行
func (m *Manager) OnShutdown(name string, fn Handler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown 执行所有关闭回调（阻塞调用，只生效一次）。
// 返回第一个失败回调的错误；超时返回 ctx 的错误。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	if len(hooks) == 0 {
		m.log.Debug("没有注册的关闭回调")
		return nil
	}
	m.log.Infof("开始优雅关闭，共 %d 个回调", len(hooks))

	errCh := make(chan error, len(hooks))
	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h hook) {
			defer wg.Done()
			if err := h.fn(ctx); err != nil {
				m.log.WithError(err).WithField("hook", h.name).Warn("关闭回调失败")
				errCh <- errors.Wrapf(err, "shutdown %s", h.name)
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("所有关闭回调已完成")
	case <-ctx.Done():
		m.log.Warnf("关闭超时: %v", ctx.Err())
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
