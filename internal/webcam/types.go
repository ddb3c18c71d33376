package webcam

import (
	"errors"
	"time"

	"digicam/internal/camera"
	"digicam/internal/pipeline"
)

var (
	// ErrRetryBudgetExhausted は最大試行回数に達したことを表す
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrSessionNotFound はストリームポートに対応するセッションがないことを表す
	ErrSessionNotFound = errors.New("session not found")

	// ErrCanceled は開始処理が停止要求で中断されたことを表す
	ErrCanceled = errors.New("session start canceled")

	// ErrInvalidRequest は開始要求が不正であることを表す
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrShuttingDown はマネージャーが停止中であることを表す
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Outcome はセッション開始の終端結果
type Outcome string

const (
	OutcomeSuccess              Outcome = "success"
	OutcomeNotFound             Outcome = "not_found"
	OutcomeNoVirtualDevice      Outcome = "no_virtual_device"
	OutcomeRetryBudgetExhausted Outcome = "retry_budget_exhausted"
	OutcomeCanceled             Outcome = "canceled"
	OutcomeRejected             Outcome = "rejected"
)

// State は監視処理の状態
type State string

const (
	StateInit            State = "init"
	StateLocatePort      State = "locate_port"
	StateProvisionDevice State = "provision_device"
	StateLaunch          State = "launch"
	StateMonitor         State = "monitor"
	StateRetry           State = "retry"
	StateSuccess         State = "success"
	StateFailed          State = "failed"
)

// StartRequest はセッション開始要求
type StartRequest struct {
	BusPortHint camera.PortID `json:"bus_port"`     // 直前のバスポート（任意）
	StreamPort  int           `json:"stream_port"`  // セッションのキー
	DisplayName string        `json:"display_name"` // 仮想デバイスのラベルに使う
}

// Validate は要求を検証する
func (r StartRequest) Validate() error {
	if r.StreamPort < 1 || r.StreamPort > 65535 {
		return errors.Join(ErrInvalidRequest, errors.New("stream_port は 1-65535 の範囲で指定してください"))
	}
	return nil
}

// Result はセッション開始の結果
type Result struct {
	SessionID   string               `json:"session_id"`
	StreamPort  int                  `json:"stream_port"`
	Outcome     Outcome              `json:"outcome"`
	DevicePath  string               `json:"device_path,omitempty"`
	BusPort     camera.PortID        `json:"bus_port,omitempty"`
	Attempt     int                  `json:"attempt"`
	Diagnostics pipeline.Diagnostics `json:"diagnostics"`
	Hint        string               `json:"hint,omitempty"`
	Err         error                `json:"-"`
}

// CameraSession はセッションの状態のスナップショット
type CameraSession struct {
	ID           string           `json:"id"`
	StreamPort   int              `json:"stream_port"`
	BusPort      camera.PortID    `json:"bus_port"`
	DisplayName  string           `json:"display_name"`
	DevicePath   string           `json:"device_path,omitempty"`
	Attempt      int              `json:"attempt"`
	State        State            `json:"state"`
	CapturePID   int              `json:"capture_pid,omitempty"`
	TranscodePID int              `json:"transcode_pid,omitempty"`
	Logs         pipeline.LogPair `json:"logs"`
	StartedAt    time.Time        `json:"started_at"`
}
