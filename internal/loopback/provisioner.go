// Package loopback は v4l2loopback 仮想デバイスの用意と割り当てを担う
//
// 仮想デバイスの所有は「そのデバイスファイルを開いているプロセスがいるか」で判断する。
// プロセス内の予約表は、割り当てから書き込みプロセス起動までの間だけ
// 同じデバイスが二重に割り当てられるのを防ぐ。
package loopback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/proc"
)

var (
	// ErrNoFreeDevice は空いている仮想デバイスがないことを表す
	ErrNoFreeDevice = errors.New("no free virtual device")

	// ErrDeviceTaken は割り当て済みのデバイスが他に使われ始めたことを表す
	ErrDeviceTaken = errors.New("virtual device taken")
)

// DefaultCommandTimeout は modprobe・v4l2-ctl 1回あたりの制限時間
// pkexec の認証ダイアログに答える時間を含む
const DefaultCommandTimeout = 60 * time.Second

// モジュールの再読み込みはプロセス全体で1つずつ行う
var reloadMu sync.Mutex

// Device は仮想デバイスの状態
type Device struct {
	Path    string  `json:"path"`
	Label   string  `json:"label"`
	Holders []int32 `json:"holders,omitempty"`
	Owner   int     `json:"owner,omitempty"` // 予約しているセッションのストリームポート
}

// Provisioner は仮想デバイスの用意と割り当てを行うインターフェース
type Provisioner interface {
	// EnsureModuleLoaded はモジュールが互換な設定で読み込まれていることを保証する
	EnsureModuleLoaded(ctx context.Context, slots int, labels []string) error

	// ClaimFreeDevice は空いているデバイスをownerのために予約して返す
	ClaimFreeDevice(ctx context.Context, owner int) (string, error)

	// Verify は起動直前にデバイスがまだownerのものとして使えるか確認する
	Verify(ctx context.Context, device string, owner int) error

	// Release はownerの予約を解除する
	Release(owner int)

	// Devices は仮想デバイスの一覧を返す
	Devices(ctx context.Context) ([]Device, error)
}

// Options はV4L2Provisionerの設定
type Options struct {
	Module        string   // カーネルモジュール名
	ExclusiveCaps bool     // exclusive_caps=1 を要求する
	Privilege     []string // modprobe の前に付ける権限昇格コマンド（例: pkexec）
	V4L2CtlPath   string
	SysfsRoot     string
	DevRoot       string

	// CommandTimeout はコマンド1回あたりの制限時間
	CommandTimeout time.Duration

	Runner camera.Runner
	Procs  proc.Table
	Logger hclog.Logger
}

// V4L2Provisioner は sysfs・modprobe・v4l2-ctl を使うProvisioner
type V4L2Provisioner struct {
	opts Options

	mu       sync.Mutex
	reserved map[string]int // デバイスパス → owner
}

// NewV4L2Provisioner は新しいV4L2Provisionerを作成する
func NewV4L2Provisioner(opts Options) *V4L2Provisioner {
	if opts.Module == "" {
		opts.Module = "v4l2loopback"
	}
	if opts.V4L2CtlPath == "" {
		opts.V4L2CtlPath = "v4l2-ctl"
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	if opts.DevRoot == "" {
		opts.DevRoot = "/dev"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Runner == nil {
		opts.Runner = camera.OSRunner{}
	}
	if opts.Procs == nil {
		opts.Procs = proc.System{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &V4L2Provisioner{
		opts:     opts,
		reserved: make(map[string]int),
	}
}

// EnsureModuleLoaded は読み込み方針に従ってモジュールを読み込む
//   - 未読み込み: 指定のスロット数とラベルで読み込む
//   - 読み込み済みで互換: 何もしない
//   - 非互換で誰も使っていない: 外して読み込み直す
//   - 非互換で使用中: 触らない
func (p *V4L2Provisioner) EnsureModuleLoaded(ctx context.Context, slots int, labels []string) error {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	log := p.opts.Logger
	if p.moduleLoaded() {
		if p.compatible() {
			return nil
		}

		devices, err := p.Devices(ctx)
		if err != nil {
			return fmt.Errorf("仮想デバイスの確認に失敗: %w", err)
		}
		for _, d := range devices {
			if len(d.Holders) > 0 || d.Owner != 0 {
				log.Warn("非互換の設定で読み込まれているが使用中のため再読み込みしない", "device", d.Path, "holders", d.Holders)
				return nil
			}
		}

		log.Info("非互換の設定で読み込まれているため再読み込み", "module", p.opts.Module)
		if out, err := p.modprobe(ctx, "-r", p.opts.Module); err != nil {
			return fmt.Errorf("モジュールの取り外しに失敗: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	if slots < 1 {
		slots = 1
	}
	if slots > MaxSlots {
		slots = MaxSlots
	}
	if len(labels) < slots {
		base := ""
		if len(labels) > 0 {
			base = labels[0]
		}
		labels = Labels(base, slots)
	}

	args := []string{p.opts.Module, fmt.Sprintf("devices=%d", slots)}
	if p.opts.ExclusiveCaps {
		args = append(args, "exclusive_caps=1")
	}
	args = append(args, cardLabelParam(labels[:slots]))

	log.Info("モジュールを読み込む", "module", p.opts.Module, "devices", slots, "labels", labels[:slots])
	if out, err := p.modprobe(ctx, args...); err != nil {
		return fmt.Errorf("モジュールの読み込みに失敗: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *V4L2Provisioner) modprobe(ctx context.Context, args ...string) ([]byte, error) {
	cmd := append(append([]string{}, p.opts.Privilege...), "modprobe")
	cmd = append(cmd, args...)
	return p.run(ctx, cmd[0], cmd[1:]...)
}

func (p *V4L2Provisioner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.CommandTimeout)
	defer cancel()
	return p.opts.Runner.Run(ctx, name, args...)
}

func (p *V4L2Provisioner) moduleLoaded() bool {
	_, err := os.Stat(filepath.Join(p.opts.SysfsRoot, "module", p.opts.Module))
	return err == nil
}

func (p *V4L2Provisioner) compatible() bool {
	if !p.opts.ExclusiveCaps {
		return true
	}
	// 形式: "Y,Y,..." または "N,N,..."
	data, err := os.ReadFile(filepath.Join(p.opts.SysfsRoot, "module", p.opts.Module, "parameters", "exclusive_caps"))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "Y")
}

// ClaimFreeDevice は番号順に空いているデバイスを探して予約する
func (p *V4L2Provisioner) ClaimFreeDevice(ctx context.Context, owner int) (string, error) {
	devices, err := p.Devices(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFreeDevice, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range devices {
		if o, ok := p.reserved[d.Path]; ok && o == owner {
			return d.Path, nil
		}
	}
	for _, d := range devices {
		if len(d.Holders) > 0 {
			continue
		}
		if o, ok := p.reserved[d.Path]; ok && o != owner {
			continue
		}
		p.reserved[d.Path] = owner
		p.opts.Logger.Debug("仮想デバイスを予約", "device", d.Path, "owner", owner)
		return d.Path, nil
	}
	return "", ErrNoFreeDevice
}

// Verify は保持者がいないことと予約者を確認する
func (p *V4L2Provisioner) Verify(ctx context.Context, device string, owner int) error {
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceTaken, err)
	}
	holders, err := p.opts.Procs.HoldersOf(ctx, device)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceTaken, err)
	}
	if pids := holders[device]; len(pids) > 0 {
		return fmt.Errorf("%w: %s は pid %v が使用中", ErrDeviceTaken, device, pids)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.reserved[device]; ok && o != owner {
		return fmt.Errorf("%w: %s は %d が予約済み", ErrDeviceTaken, device, o)
	}
	p.reserved[device] = owner
	return nil
}

// Release はownerの予約をすべて解除する
func (p *V4L2Provisioner) Release(owner int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dev, o := range p.reserved {
		if o == owner {
			delete(p.reserved, dev)
		}
	}
}

// Devices は v4l2loopback のデバイスを番号順に返す
func (p *V4L2Provisioner) Devices(ctx context.Context) ([]Device, error) {
	nodes, err := p.videoNodes()
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, n := range nodes {
		path := filepath.Join(p.opts.DevRoot, n.name)
		if !p.isLoopback(ctx, path) {
			continue
		}
		devices = append(devices, Device{Path: path, Label: n.label})
	}
	if len(devices) == 0 {
		return nil, nil
	}

	paths := make([]string, len(devices))
	for i, d := range devices {
		paths[i] = d.Path
	}
	holders, err := p.opts.Procs.HoldersOf(ctx, paths...)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range devices {
		devices[i].Holders = holders[devices[i].Path]
		devices[i].Owner = p.reserved[devices[i].Path]
	}
	return devices, nil
}

type videoNode struct {
	name  string
	num   int
	label string
}

func (p *V4L2Provisioner) videoNodes() ([]videoNode, error) {
	base := filepath.Join(p.opts.SysfsRoot, "class", "video4linux")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("video4linux の列挙に失敗: %w", err)
	}

	var nodes []videoNode
	for _, e := range entries {
		num, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "video"))
		if err != nil || !strings.HasPrefix(e.Name(), "video") {
			continue
		}
		label, _ := os.ReadFile(filepath.Join(base, e.Name(), "name"))
		nodes = append(nodes, videoNode{name: e.Name(), num: num, label: strings.TrimSpace(string(label))})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].num < nodes[j].num })
	return nodes, nil
}

// isLoopback は v4l2-ctl --info のドライバ名で判定する
func (p *V4L2Provisioner) isLoopback(ctx context.Context, device string) bool {
	out, err := p.run(ctx, p.opts.V4L2CtlPath, "-d", device, "--info")
	if err != nil {
		return false
	}
	return IsLoopbackDriver(string(out))
}

// IsLoopbackDriver は v4l2-ctl --info の出力が v4l2loopback のものか判定する
func IsLoopbackDriver(info string) bool {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Driver name") {
			continue
		}
		if idx := strings.Index(line, ":"); idx != -1 {
			return strings.Contains(strings.ToLower(line[idx+1:]), "loopback")
		}
	}
	return false
}
