// Package usbreset はUSBデバイスのバスリセットを行う
//
// PTP セッションが固まったカメラは、USBDEVFS_RESET で再列挙させると
// 電源を入れ直さずに復帰することが多い。リセット後はデバイス番号が変わる。
package usbreset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"digicam/internal/camera"
)

// usbdevfsReset は _IO('U', 20)
const usbdevfsReset = 0x5514

// DefaultSettle はリセット後にデバイスが再列挙されるまで待つ時間
const DefaultSettle = 5 * time.Second

// ErrDeviceNotFound はリセット対象のデバイスが特定できないことを表す
var ErrDeviceNotFound = errors.New("reset target not found")

// Result はリセットの結果。Err は記録用で、呼び出し側は失敗しても処理を続ける
type Result struct {
	Port   camera.PortID
	Device string
	Err    error
}

// OK はリセットが成功したかを返す
func (r Result) OK() bool {
	return r.Err == nil
}

// Controller はバスリセットを行うインターフェース
type Controller interface {
	Reset(ctx context.Context, vendor camera.VendorSignature, port camera.PortID) Result
}

// Options はIoctlControllerの設定
type Options struct {
	Enumerator camera.Enumerator
	DevRoot    string
	Settle     time.Duration
	Logger     hclog.Logger

	// ioctl はテストで差し替える
	ioctl func(fd int) error
}

// IoctlController は /dev/bus/usb のデバイスファイルに ioctl を発行する
type IoctlController struct {
	opts Options
}

// NewIoctlController は新しいIoctlControllerを作成する
func NewIoctlController(opts Options) *IoctlController {
	if opts.Enumerator == nil {
		opts.Enumerator = camera.NewSysfsEnumerator("")
	}
	if opts.DevRoot == "" {
		opts.DevRoot = "/dev"
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.ioctl == nil {
		opts.ioctl = func(fd int) error {
			return unix.IoctlSetInt(fd, usbdevfsReset, 0)
		}
	}
	return &IoctlController{opts: opts}
}

// Reset はportのデバイスをリセットする
// portが消えている場合はベンダー一致が1台だけのときに限りそれを対象にする
func (c *IoctlController) Reset(ctx context.Context, vendor camera.VendorSignature, port camera.PortID) Result {
	log := c.opts.Logger.With("bus_port", port)

	target, err := c.resolve(vendor, port)
	if err != nil {
		log.Warn("リセット対象を特定できない", "error", err)
		return Result{Port: port, Err: err}
	}

	node := target.DevNode(c.opts.DevRoot)
	res := Result{Port: target.Port(), Device: node}
	if err := c.issue(node); err != nil {
		log.Warn("バスリセットに失敗", "device", node, "error", err)
		res.Err = err
		return res
	}
	log.Info("バスリセットを実行", "device", node, "settle", c.opts.Settle)

	timer := time.NewTimer(c.opts.Settle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	return res
}

func (c *IoctlController) resolve(vendor camera.VendorSignature, port camera.PortID) (camera.USBDevice, error) {
	devices, err := c.opts.Enumerator.Devices()
	if err != nil {
		return camera.USBDevice{}, err
	}
	matches := camera.FilterVendor(devices, vendor)
	if port != "" {
		if d, ok := camera.FindPort(matches, port); ok {
			return d, nil
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return camera.USBDevice{}, ErrDeviceNotFound
	default:
		// 他のセッションのカメラをリセットしない
		return camera.USBDevice{}, fmt.Errorf("%w: ベンダー %q のデバイスが%d台", ErrDeviceNotFound, vendor, len(matches))
	}
}

func (c *IoctlController) issue(node string) error {
	f, err := os.OpenFile(node, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("デバイスファイルを開けない: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := c.opts.ioctl(int(f.Fd())); err != nil {
		return fmt.Errorf("USBDEVFS_RESET に失敗: %w", err)
	}
	return nil
}

// MockController はテスト用のモックController
type MockController struct {
	mu    sync.Mutex
	calls []camera.PortID
	Err   error
}

// NewMockController は新しいMockControllerを作成する
func NewMockController() *MockController {
	return &MockController{}
}

// Reset は呼び出しを記録する
func (m *MockController) Reset(_ context.Context, _ camera.VendorSignature, port camera.PortID) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, port)
	return Result{Port: port, Err: m.Err}
}

// Calls は受け取ったポートを返す
func (m *MockController) Calls() []camera.PortID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]camera.PortID(nil), m.calls...)
}
