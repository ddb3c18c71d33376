package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/config"
	"digicam/internal/history"
	"digicam/internal/loopback"
	"digicam/internal/webcam"
)

const defaultHistoryLimit = 50

// Sessions はセッションを管理するインターフェース
type Sessions interface {
	StartSession(ctx context.Context, req webcam.StartRequest) (webcam.Result, error)
	StopSession(ctx context.Context, streamPort int) error
	Sessions() []webcam.CameraSession
	Active() bool
	Shutdown(ctx context.Context) error
}

// HistoryLister はセッション履歴を返す
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// Deps はハンドラーが使うコンポーネント
type Deps struct {
	Sessions    Sessions
	Locator     camera.Locator
	Vendor      camera.VendorSignature
	Provisioner loopback.Provisioner
	History     HistoryLister   // nil の場合は履歴APIが空を返す
	Hotplug     <-chan struct{} // nil の場合はキャッシュを無効化しない
	Logger      hclog.Logger
}

// Handler はAPIのハンドラー
type Handler struct {
	config *config.Config
	deps   Deps
	logger hclog.Logger

	cameras cameraCache
}

// cameraCache はカメラ一覧のキャッシュ
type cameraCache struct {
	mu      sync.Mutex
	list    []camera.Camera
	valid   bool
	updated time.Time
}

func (c *cameraCache) get() ([]camera.Camera, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list, c.updated, c.valid
}

func (c *cameraCache) set(list []camera.Camera) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = list
	c.valid = true
	c.updated = time.Now()
}

func (c *cameraCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// NewHandler は新しいHandlerを作成する
func NewHandler(cfg *config.Config, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	return &Handler{
		config: cfg,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Register はルートを登録する
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/cameras", h.GetCameras)
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.StartSession)
	api.GET("/sessions/history", h.GetHistory)
	api.DELETE("/sessions/:port", h.StopSession)
}

// watchHotplug はUSBの抜き差しでカメラ一覧のキャッシュを無効化する
func (h *Handler) watchHotplug(ctx context.Context) {
	if h.deps.Hotplug == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-h.deps.Hotplug:
			if !ok {
				return
			}
			h.cameras.invalidate()
			h.logger.Debug("USBの変化を検知したためカメラ一覧を破棄")
		}
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Status    string            `json:"status"`
	Server    serverInfo        `json:"server"`
	Sessions  int               `json:"sessions"`
	Devices   []loopback.Device `json:"devices"`
	Timestamp time.Time         `json:"timestamp"`
}

type serverInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	resp := statusResponse{
		Status:    "running",
		Server:    serverInfo{Host: h.config.Server.Host, Port: h.config.Server.Port},
		Sessions:  len(h.deps.Sessions.Sessions()),
		Devices:   []loopback.Device{},
		Timestamp: time.Now(),
	}
	if h.deps.Provisioner != nil {
		devices, err := h.deps.Provisioner.Devices(c.Request.Context())
		if err != nil {
			h.logger.Warn("仮想デバイスの取得に失敗", "error", err)
		} else if devices != nil {
			resp.Devices = devices
		}
	}
	c.JSON(http.StatusOK, resp)
}

type camerasResponse struct {
	Cameras []camera.Camera `json:"cameras"`
	Cached  bool            `json:"cached"`
	Updated time.Time       `json:"updated"`
}

// GetCameras はカメラ一覧取得エンドポイントの実装
// セッションが稼働中はUSBデバイスに触れず、キャッシュを返す
func (h *Handler) GetCameras(c *gin.Context) {
	list, updated, valid := h.cameras.get()
	if valid || h.deps.Sessions.Active() {
		if list == nil {
			list = []camera.Camera{}
		}
		c.JSON(http.StatusOK, camerasResponse{Cameras: list, Cached: true, Updated: updated})
		return
	}

	list, err := h.deps.Locator.ListCameras(c.Request.Context(), h.deps.Vendor)
	if err != nil {
		h.logger.Warn("カメラ一覧の取得に失敗", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []camera.Camera{}
	}
	h.cameras.set(list)
	_, updated, _ = h.cameras.get()
	c.JSON(http.StatusOK, camerasResponse{Cameras: list, Updated: updated})
}

// ListSessions はセッション一覧取得エンドポイントの実装
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.deps.Sessions.Sessions()})
}

type sessionResponse struct {
	webcam.Result
	Error string `json:"error,omitempty"`
}

// StartSession はセッション開始エンドポイントの実装
// 終端結果が出るまで応答しない
func (h *Handler) StartSession(c *gin.Context) {
	var req webcam.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です: " + err.Error()})
		return
	}

	res, err := h.deps.Sessions.StartSession(c.Request.Context(), req)
	resp := sessionResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	// カメラの状態が変わるため一覧を取り直す
	h.cameras.invalidate()
	c.JSON(statusForResult(res, err), resp)
}

func statusForResult(res webcam.Result, err error) int {
	switch res.Outcome {
	case webcam.OutcomeSuccess:
		return http.StatusOK
	case webcam.OutcomeNotFound:
		return http.StatusNotFound
	case webcam.OutcomeNoVirtualDevice:
		return http.StatusServiceUnavailable
	case webcam.OutcomeRetryBudgetExhausted:
		return http.StatusBadGateway
	case webcam.OutcomeRejected:
		if errors.Is(err, webcam.ErrShuttingDown) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	case webcam.OutcomeCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// StopSession はセッション停止エンドポイントの実装
func (h *Handler) StopSession(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "無効なストリームポート: " + c.Param("port")})
		return
	}

	if err := h.deps.Sessions.StopSession(c.Request.Context(), port); err != nil {
		if errors.Is(err, webcam.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Warn("セッションの停止に失敗", "stream_port", port, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.cameras.invalidate()
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "stream_port": port})
}

// GetHistory はセッション履歴取得エンドポイントの実装
func (h *Handler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "無効な limit: " + v})
			return
		}
		limit = n
	}

	records := []history.Record{}
	if h.deps.History != nil {
		list, err := h.deps.History.List(c.Request.Context(), limit)
		if err != nil {
			h.logger.Warn("履歴の取得に失敗", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		records = append(records, list...)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}
