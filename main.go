package main

import (
	"context"
	"log"
	"os"

	"digicam/internal/app"
	"digicam/internal/config"
	"digicam/internal/logging"
)

func main() {
	// 設定を読み込む（DIGICAM_CONFIG でファイルを指定できる）
	cfg, err := config.Load(os.Getenv("DIGICAM_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger := logging.New(cfg.Logging)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
