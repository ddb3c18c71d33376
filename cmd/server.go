// Package main はdigicamサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"digicam/internal/app"
	"digicam/internal/config"
	"digicam/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 127.0.0.1)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("digicam - テザー接続カメラを仮想Webカメラとして配信する")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if err := cfg.ApplyOverrides(*host, *port); err != nil {
		log.Fatalf("コマンドラインオプションが不正です: %v", err)
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("初期化に失敗しました", "error", err)
		os.Exit(1)
	}

	logger.Info("digicam サーバーを起動します", "addr", cfg.ServerAddress())
	if err := a.Run(ctx); err != nil {
		logger.Error("サーバーが異常終了しました", "error", err)
		os.Exit(1)
	}
}
