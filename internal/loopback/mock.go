package loopback

import (
	"context"
	"fmt"
	"sync"
)

// MockProvisioner はテスト用のモックProvisioner
type MockProvisioner struct {
	mu       sync.Mutex
	loaded   bool
	devices  []string
	reserved map[string]int
	busy     map[string]bool

	LoadCalls  int
	LastSlots  int
	LastLabels []string
	LoadErr    error

	// OnClaim が設定されていれば予約の直後にロックの外で呼ばれる
	// 予約から Verify までの間に外部プロセスがデバイスを開く状況を作るのに使う
	OnClaim func(device string)

	claims []string
}

// NewMockProvisioner はデバイスを持つMockProvisionerを作成する
// loaded が false の場合、EnsureModuleLoaded が呼ばれるまでデバイスは現れない
func NewMockProvisioner(loaded bool, devices ...string) *MockProvisioner {
	return &MockProvisioner{
		loaded:   loaded,
		devices:  devices,
		reserved: make(map[string]int),
		busy:     make(map[string]bool),
	}
}

// SetBusy は外部プロセスがデバイスを使用中かどうかを設定する
func (m *MockProvisioner) SetBusy(device string, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[device] = busy
}

// Loaded はモジュールが読み込まれているかを返す
func (m *MockProvisioner) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// EnsureModuleLoaded は読み込み済みにする
func (m *MockProvisioner) EnsureModuleLoaded(_ context.Context, slots int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls++
	if m.LoadErr != nil {
		return m.LoadErr
	}
	if !m.loaded {
		m.LastSlots = slots
		m.LastLabels = append([]string(nil), labels...)
		m.loaded = true
	}
	return nil
}

// ClaimFreeDevice は空いているデバイスを予約する
func (m *MockProvisioner) ClaimFreeDevice(_ context.Context, owner int) (string, error) {
	device, err := m.claim(owner)
	if err != nil {
		return "", err
	}
	if m.OnClaim != nil {
		m.OnClaim(device)
	}
	return device, nil
}

func (m *MockProvisioner) claim(owner int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return "", ErrNoFreeDevice
	}
	for _, d := range m.devices {
		if o, ok := m.reserved[d]; ok && o == owner {
			m.claims = append(m.claims, d)
			return d, nil
		}
	}
	for _, d := range m.devices {
		if _, ok := m.reserved[d]; ok || m.busy[d] {
			continue
		}
		m.reserved[d] = owner
		m.claims = append(m.claims, d)
		return d, nil
	}
	return "", ErrNoFreeDevice
}

// Claims は ClaimFreeDevice が返したデバイスを順に返す
func (m *MockProvisioner) Claims() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.claims...)
}

// Verify は使用中・他者予約でないことを確認する
func (m *MockProvisioner) Verify(_ context.Context, device string, owner int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[device] {
		return fmt.Errorf("%w: %s", ErrDeviceTaken, device)
	}
	if o, ok := m.reserved[device]; ok && o != owner {
		return fmt.Errorf("%w: %s", ErrDeviceTaken, device)
	}
	m.reserved[device] = owner
	return nil
}

// Release はownerの予約を解除する
func (m *MockProvisioner) Release(owner int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d, o := range m.reserved {
		if o == owner {
			delete(m.reserved, d)
		}
	}
}

// Devices はデバイス一覧を返す
func (m *MockProvisioner) Devices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, nil
	}
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, Device{Path: d, Owner: m.reserved[d]})
	}
	return out, nil
}

// Owner はデバイスを予約しているownerを返す（なければ0）
func (m *MockProvisioner) Owner(device string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved[device]
}
