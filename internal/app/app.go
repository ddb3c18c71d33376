// Package app は設定から各コンポーネントを組み立てる
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/camera"
	"digicam/internal/config"
	"digicam/internal/conflict"
	"digicam/internal/history"
	"digicam/internal/hotplug"
	"digicam/internal/loopback"
	"digicam/internal/pipeline"
	"digicam/internal/proc"
	"digicam/internal/server"
	"digicam/internal/usbreset"
	"digicam/internal/webcam"
)

// App は組み立て済みのアプリケーション
type App struct {
	Server  *server.Server
	Manager *webcam.Manager

	store   *history.Store
	watcher *hotplug.Watcher
	logger  hclog.Logger
}

// New は設定からAppを作成する
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*App, error) {
	runner := camera.OSRunner{}
	procs := proc.System{}
	enumerator := camera.NewSysfsEnumerator(cfg.Camera.SysfsRoot)
	vendor := camera.VendorSignature(cfg.Camera.VendorID)

	locator := camera.NewLinuxLocator(camera.LocatorOptions{
		Enumerator:    enumerator,
		Runner:        runner,
		GPhoto2Path:   cfg.Camera.GPhoto2Path,
		DetectTimeout: cfg.Camera.DetectTimeout,
		Logger:        logger.Named("camera"),
	})
	provisioner := loopback.NewV4L2Provisioner(loopback.Options{
		Module:        cfg.Loopback.Module,
		ExclusiveCaps: cfg.Loopback.ExclusiveCaps,
		Privilege:     cfg.Loopback.Privilege,
		V4L2CtlPath:   cfg.Loopback.V4L2CtlPath,
		SysfsRoot:     cfg.Camera.SysfsRoot,
		DevRoot:       cfg.Camera.DevRoot,

		CommandTimeout: cfg.Loopback.CommandTimeout,

		Runner: runner,
		Procs:  procs,
		Logger: logger.Named("loopback"),
	})

	a := &App{logger: logger}
	opts := webcam.Options{
		Vendor:  vendor,
		Locator: locator,
		Resolver: conflict.NewGVFSResolver(conflict.Options{
			Services:     cfg.Conflict.Services,
			ProcessNames: cfg.Conflict.ProcessNames,
			MountURIs:    cfg.Conflict.MountURIs,

			CommandTimeout: cfg.Conflict.CommandTimeout,

			Runner: runner,
			Procs:  procs,
			Logger: logger.Named("conflict"),
		}),
		Provisioner: provisioner,
		Reset: usbreset.NewIoctlController(usbreset.Options{
			Enumerator: enumerator,
			DevRoot:    cfg.Camera.DevRoot,
			Settle:     cfg.Session.ResetSettle,
			Logger:     logger.Named("usbreset"),
		}),
		Release: usbreset.NewHolderReleaser(cfg.Camera.DevRoot, procs, logger.Named("usbreset")),
		Launcher: pipeline.NewExecLauncher(pipeline.LauncherOptions{
			GPhoto2Path: cfg.Camera.GPhoto2Path,
			FFmpegPath:  cfg.Pipeline.FFmpegPath,
			StreamHost:  cfg.Pipeline.StreamHost,
			PacketSize:  cfg.Pipeline.PacketSize,
			ExtraArgs:   cfg.Pipeline.ExtraArgs,
			Logger:      logger.Named("pipeline"),
		}),
		Registry:     pipeline.NewRegistry(cfg.Session.StopGrace, logger.Named("registry")),
		Logs:         pipeline.NewLogDir(cfg.Pipeline.LogDir),
		MaxAttempts:  cfg.Session.MaxAttempts,
		Slots:        cfg.Loopback.Slots,
		LaunchSettle: cfg.Session.LaunchSettle,
		StopGrace:    cfg.Session.StopGrace,
		Logger:       logger.Named("webcam"),
	}

	var lister server.HistoryLister
	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("履歴の初期化に失敗: %w", err)
		}
		a.store = store
		opts.History = store
		lister = store
	}

	manager, err := webcam.NewManager(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("セッション管理の初期化に失敗: %w", err)
	}
	a.Manager = manager

	var events <-chan struct{}
	if cfg.Hotplug.Enabled {
		w, err := hotplug.New(hotplug.Options{
			Root:     cfg.Hotplug.Root,
			Debounce: cfg.Hotplug.Debounce,
			Logger:   logger.Named("hotplug"),
		})
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			// 監視できなくてもカメラ一覧は毎回取得すれば動く
			logger.Warn("USBの監視を開始できない", "error", err)
			if w != nil {
				_ = w.Close()
			}
		} else {
			a.watcher = w
			events = w.Events()
		}
	}

	a.Server = server.NewGin(cfg, server.Deps{
		Sessions:    manager,
		Locator:     locator,
		Vendor:      vendor,
		Provisioner: provisioner,
		History:     lister,
		Hotplug:     events,
		Logger:      logger.Named("server"),
	})
	return a, nil
}

// Run はサーバーを起動し、終了まで待つ
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	return a.Server.Start(ctx)
}

// Close は監視と履歴を閉じる
func (a *App) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
		a.watcher = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
