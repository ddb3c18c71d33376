// Package logging はアプリケーションのルートロガーを作成する
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"digicam/internal/config"
)

// Name はルートロガーの名前
const Name = "digicam"

// New は設定からルートロガーを作成する
// 各コンポーネントは Named で子ロガーを作って使う
func New(cfg config.LoggingConfig) hclog.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput は出力先を指定してルートロガーを作成する
func NewWithOutput(cfg config.LoggingConfig, w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(cfg.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       Name,
		Level:      level,
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}
