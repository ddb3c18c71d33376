package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultDetectTimeout はポート検出全体の上限時間
const DefaultDetectTimeout = 10 * time.Second

// LinuxLocator は sysfs と gphoto2 を使ってカメラのポートを特定する
type LinuxLocator struct {
	enumerator  Enumerator
	runner      Runner
	gphoto2Path string
	timeout     time.Duration
	logger      hclog.Logger
}

// LocatorOptions はLinuxLocatorの設定
type LocatorOptions struct {
	Enumerator    Enumerator
	Runner        Runner
	GPhoto2Path   string
	DetectTimeout time.Duration
	Logger        hclog.Logger
}

// NewLinuxLocator は新しいLinuxLocatorを作成する
func NewLinuxLocator(opts LocatorOptions) *LinuxLocator {
	if opts.Enumerator == nil {
		opts.Enumerator = NewSysfsEnumerator("")
	}
	if opts.Runner == nil {
		opts.Runner = OSRunner{}
	}
	if opts.GPhoto2Path == "" {
		opts.GPhoto2Path = "gphoto2"
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = DefaultDetectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &LinuxLocator{
		enumerator:  opts.Enumerator,
		runner:      opts.Runner,
		gphoto2Path: opts.GPhoto2Path,
		timeout:     opts.DetectTimeout,
		logger:      opts.Logger,
	}
}

// Locate は要求に一致するカメラのポートを返す
func (l *LinuxLocator) Locate(ctx context.Context, req LocateRequest) (PortID, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	devices, err := l.enumerator.Devices()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPortNotFound, err)
	}
	matches := FilterVendor(devices, req.Vendor)
	if len(matches) == 0 {
		return "", ErrPortNotFound
	}

	// リセット後の高速パス
	if req.PreviousPort != "" {
		if d, ok := FindPort(matches, req.PreviousPort); ok {
			return d.Port(), nil
		}
	}

	if hint := strings.TrimSpace(req.NameHint); hint != "" && len(matches) > 1 {
		hinted := l.matchHint(ctx, matches, hint)
		switch len(hinted) {
		case 1:
			return hinted[0], nil
		case 0:
			// ヒントに一致しない場合は下の一意判定に任せる
		default:
			return "", fmt.Errorf("%w: %d台が %q に一致", ErrAmbiguousPort, len(hinted), hint)
		}
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrPortNotFound, ctx.Err())
	}

	if len(matches) > 1 {
		return "", fmt.Errorf("%w: ベンダー %q のデバイスが%d台", ErrAmbiguousPort, req.Vendor, len(matches))
	}
	return matches[0].Port(), nil
}

// matchHint はヒントに一致するポートを返す（重複なし）
func (l *LinuxLocator) matchHint(ctx context.Context, matches []USBDevice, hint string) []PortID {
	seen := make(map[PortID]bool)
	var out []PortID
	add := func(p PortID) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, cam := range l.autoDetect(ctx) {
		if _, ok := FindPort(matches, cam.Port); !ok {
			continue
		}
		if nameMatches(cam.Model, hint) {
			add(cam.Port)
		}
	}
	for _, d := range matches {
		if nameMatches(d.Product, hint) {
			add(d.Port())
		}
	}
	return out
}

// autoDetect は gphoto2 --auto-detect を実行する。失敗時は空を返す
func (l *LinuxLocator) autoDetect(ctx context.Context) []DetectedCamera {
	out, err := l.runner.Run(ctx, l.gphoto2Path, "--auto-detect")
	if err != nil {
		l.logger.Debug("gphoto2 --auto-detect に失敗", "error", err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
	}
	return ParseAutoDetect(string(out))
}

// ListCameras は接続中のカメラ一覧を返す
func (l *LinuxLocator) ListCameras(ctx context.Context, vendor VendorSignature) ([]Camera, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	devices, err := l.enumerator.Devices()
	if err != nil {
		return nil, err
	}
	matches := FilterVendor(devices, vendor)

	models := make(map[PortID]string)
	if len(matches) > 0 {
		for _, cam := range l.autoDetect(ctx) {
			models[cam.Port] = cam.Model
		}
	}

	cameras := make([]Camera, 0, len(matches))
	for _, d := range matches {
		model := models[d.Port()]
		if model == "" {
			model = strings.TrimSpace(d.Manufacturer + " " + d.Product)
		}
		cameras = append(cameras, Camera{
			Model:     model,
			Port:      d.Port(),
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
		})
	}
	return cameras, nil
}

func nameMatches(name, hint string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	hint = strings.ToLower(strings.TrimSpace(hint))
	if name == "" || hint == "" {
		return false
	}
	return strings.Contains(hint, name) || strings.Contains(name, hint)
}

// MockLocator はテスト用のモックLocator
type MockLocator struct {
	mu       sync.Mutex
	results  []MockLocateResult
	requests []LocateRequest
	cameras  []Camera
}

// MockLocateResult はLocateの1回分の結果
type MockLocateResult struct {
	Port PortID
	Err  error
}

// NewMockLocator は呼び出し順に結果を返すMockLocatorを作成する
// 結果を使い切った後は最後の結果を返し続ける
func NewMockLocator(results ...MockLocateResult) *MockLocator {
	return &MockLocator{results: results}
}

// Locate はスクリプトされた結果を返す
func (m *MockLocator) Locate(ctx context.Context, req LocateRequest) (PortID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPortNotFound, err)
	}
	if len(m.results) == 0 {
		return "", ErrPortNotFound
	}
	r := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	return r.Port, r.Err
}

// ListCameras は設定されたカメラ一覧を返す
func (m *MockLocator) ListCameras(_ context.Context, _ VendorSignature) ([]Camera, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Camera(nil), m.cameras...), nil
}

// SetCameras はListCamerasが返す一覧を設定する
func (m *MockLocator) SetCameras(cameras []Camera) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameras = cameras
}

// Requests はこれまでに受け取った要求を返す
func (m *MockLocator) Requests() []LocateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LocateRequest(nil), m.requests...)
}
