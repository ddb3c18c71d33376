// Package hotplug は /dev/bus/usb を監視し、USBデバイスの抜き差しを通知する
package hotplug

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultRoot はUSBデバイスファイルのルート
	DefaultRoot = "/dev/bus/usb"
	// DefaultDebounce は連続したイベントをまとめる間隔
	DefaultDebounce = 500 * time.Millisecond
)

// Options はWatcherの設定
type Options struct {
	Root     string
	Debounce time.Duration
	Logger   hclog.Logger
}

// Watcher はUSBバスの変化を間引いて通知する
// リセット直後の再列挙のように短時間に続くイベントは1回の通知にまとめる
type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher
	events  chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New は新しいWatcherを作成する。監視は Start で始まる
func New(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	return &Watcher{
		opts:    opts,
		watcher: w,
		events:  make(chan struct{}, 1),
	}, nil
}

// Events は変化があったときに値を受け取るチャネルを返す
// 受信側が遅れても通知は1つにまとめられ、ブロックしない
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start はルートとバスごとのディレクトリの監視を始める
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.opts.Root); err != nil {
		return fmt.Errorf("%s の監視に失敗: %w", w.opts.Root, err)
	}
	entries, err := os.ReadDir(w.opts.Root)
	if err != nil {
		return fmt.Errorf("%s の読み込みに失敗: %w", w.opts.Root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addBus(filepath.Join(w.opts.Root, e.Name()))
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.opts.Logger.Info("USBバスの監視を開始", "root", w.opts.Root)
	return nil
}

// Close は監視を終了する
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addBus(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.opts.Logger.Warn("バスディレクトリの監視に失敗", "dir", dir, "error", err)
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// 新しいバスのディレクトリも監視対象にする
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.opts.Root) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					w.addBus(ev.Name)
				}
			}
			w.opts.Logger.Trace("USBイベント", "op", ev.Op.String(), "path", ev.Name)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("ファイル監視のエラー", "error", err)

		case <-timerCh:
			timerCh = nil
			w.notify()
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
