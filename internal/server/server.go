package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"digicam/internal/config"
)

// shutdownTimeout はHTTPサーバーとセッションの停止を待つ時間
const shutdownTimeout = 15 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	handler    *Handler
	httpServer *http.Server
	logger     hclog.Logger

	addr chan string
}

// NewGin は新しいServerインスタンスを作成する
func NewGin(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(deps.Logger))

	h := NewHandler(cfg, deps)
	h.Register(engine)

	return &Server{
		config:  cfg,
		engine:  engine,
		handler: h,
		logger:  deps.Logger,
		addr:    make(chan string, 1),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr はリッスンを始めたアドレスを返すチャネル
func (s *Server) Addr() <-chan string {
	return s.addr
}

// Start はサーバーを起動し、コンテキストの終了かシグナルまで待つ
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.addr <- ln.Addr().String()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.handler.watchHotplug(watchCtx)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンし、すべてのセッションを停止する
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.handler.deps.Sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("セッションの停止に失敗: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをhclogに記録するミドルウェア
func requestLogger(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
