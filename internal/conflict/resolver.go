// Package conflict はカメラを占有するデスクトップ側サービスを一時的に無効化する
//
// GNOME の gvfs は gphoto2 カメラを自動マウントし、USBインターフェースを
// 掴んだままにする。キャプチャ開始前にこれを止めておかないと
// "Could not claim the USB device" で失敗する。
package conflict

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"digicam/internal/camera"
	"digicam/internal/proc"
)

// Resolver は競合サービスを無効化・復元する
type Resolver interface {
	// Neutralize は競合サービスを停止する。すべてベストエフォートでエラーは返さない
	Neutralize(ctx context.Context)

	// Restore は停止したサービスを元に戻す
	Restore(ctx context.Context)
}

// DefaultCommandTimeout は systemctl・gio 1回あたりの制限時間
const DefaultCommandTimeout = 10 * time.Second

// Options はGVFSResolverの設定
type Options struct {
	Services       []string      // systemd ユーザーサービス名
	ProcessNames   []string      // 残存プロセスの実行ファイル名
	MountURIs      []string      // アンマウント対象のURI
	CommandTimeout time.Duration // コマンド1回あたりの制限時間
	Runner         camera.Runner
	Procs          proc.Table
	Logger         hclog.Logger
}

// DefaultOptions はGNOME環境向けの既定値を返す
func DefaultOptions() Options {
	return Options{
		Services:     []string{"gvfs-gphoto2-volume-monitor.service"},
		ProcessNames: []string{"gvfs-gphoto2-volume-monitor", "gvfsd-gphoto2"},
		MountURIs:    []string{"gphoto2://"},

		CommandTimeout: DefaultCommandTimeout,
	}
}

// GVFSResolver は systemctl・プロセステーブル・gio を使うResolver
type GVFSResolver struct {
	opts  Options
	group singleflight.Group
	mu    sync.Mutex // Neutralize と Restore の手順を直列化する
}

// NewGVFSResolver は新しいGVFSResolverを作成する
func NewGVFSResolver(opts Options) *GVFSResolver {
	if opts.Runner == nil {
		opts.Runner = camera.OSRunner{}
	}
	if opts.Procs == nil {
		opts.Procs = proc.System{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &GVFSResolver{opts: opts}
}

// Neutralize は同時に呼ばれても手順が交錯しないよう1回にまとめて実行する
//
// まとめられた手順はどの呼び出し元のキャンセルでも中断されず、
// コマンドごとの制限時間だけが効く。呼び出し元は自分の ctx が終われば待つのをやめる。
func (r *GVFSResolver) Neutralize(ctx context.Context) {
	r.share(ctx, "neutralize", r.neutralize)
}

func (r *GVFSResolver) share(ctx context.Context, key string, fn func(context.Context)) {
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		fn(shared)
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (r *GVFSResolver) neutralize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.opts.Logger
	for _, svc := range r.opts.Services {
		// 現在のユーザーセッションの間だけ無効化する
		r.run(ctx, "systemctl", "--user", "stop", svc)
		r.run(ctx, "systemctl", "--user", "mask", "--runtime", svc)
	}

	if len(r.opts.ProcessNames) > 0 {
		killed, err := r.opts.Procs.KillByName(ctx, r.opts.ProcessNames...)
		if err != nil {
			log.Debug("残存プロセスの終了に失敗", "error", err)
		} else if killed > 0 {
			log.Debug("残存プロセスを終了", "count", killed)
		}
	}

	for _, uri := range r.opts.MountURIs {
		r.run(ctx, "gio", "mount", "-u", uri)
	}
}

// Restore はマスクを解除してサービスを再開する
func (r *GVFSResolver) Restore(ctx context.Context) {
	r.share(ctx, "restore", r.restore)
}

func (r *GVFSResolver) restore(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.opts.Services {
		r.run(ctx, "systemctl", "--user", "unmask", "--runtime", svc)
		r.run(ctx, "systemctl", "--user", "start", svc)
	}
}

// run はコマンドを制限時間付きで実行する。失敗は記録だけして続ける
func (r *GVFSResolver) run(ctx context.Context, name string, args ...string) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()
	if out, err := r.opts.Runner.Run(ctx, name, args...); err != nil {
		r.opts.Logger.Debug("コマンドが失敗（無視）", "command", name, "args", args, "error", err, "output", string(out))
	}
}

// MockResolver はテスト用のモックResolver
type MockResolver struct {
	neutralized atomic.Int32
	restored    atomic.Int32

	// OnRestore が設定されていれば Restore の中で呼ばれる
	OnRestore func()

	mu     sync.Mutex
	events []string
}

// NewMockResolver は新しいMockResolverを作成する
func NewMockResolver() *MockResolver {
	return &MockResolver{}
}

// Neutralize は呼び出し回数を数える
func (m *MockResolver) Neutralize(_ context.Context) {
	m.neutralized.Add(1)
	m.record("neutralize")
}

// Restore は呼び出し回数を数える
func (m *MockResolver) Restore(_ context.Context) {
	m.restored.Add(1)
	if m.OnRestore != nil {
		m.OnRestore()
	}
	m.record("restore")
}

func (m *MockResolver) record(ev string) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// NeutralizeCalls はNeutralizeの呼び出し回数を返す
func (m *MockResolver) NeutralizeCalls() int {
	return int(m.neutralized.Load())
}

// RestoreCalls はRestoreの呼び出し回数を返す
func (m *MockResolver) RestoreCalls() int {
	return int(m.restored.Load())
}

// Events は完了した呼び出しを順に返す
func (m *MockResolver) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
