package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Loopback LoopbackConfig `yaml:"loopback"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Session  SessionConfig  `yaml:"session"`
	Conflict ConflictConfig `yaml:"conflict"`
	History  HistoryConfig  `yaml:"history"`
	Hotplug  HotplugConfig  `yaml:"hotplug"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト（セッション開始は数十秒かかるため長めにする）
}

// CameraConfig はカメラ検出の設定
type CameraConfig struct {
	VendorID      string        `yaml:"vendor_id"`      // USBベンダーID（例: Canon は 04a9、空なら全て）
	GPhoto2Path   string        `yaml:"gphoto2_path"`   // gphoto2 の実行ファイル
	DetectTimeout time.Duration `yaml:"detect_timeout"` // ポート検出のタイムアウト
	SysfsRoot     string        `yaml:"sysfs_root"`     // 通常は /sys
	DevRoot       string        `yaml:"dev_root"`       // 通常は /dev
}

// LoopbackConfig は v4l2loopback の設定
type LoopbackConfig struct {
	Module        string   `yaml:"module"`         // カーネルモジュール名
	Slots         int      `yaml:"slots"`          // 用意する仮想デバイス数
	ExclusiveCaps bool     `yaml:"exclusive_caps"` // exclusive_caps=1 で読み込む
	Privilege     []string `yaml:"privilege"`      // modprobe の前に付けるコマンド（例: pkexec）
	V4L2CtlPath   string   `yaml:"v4l2_ctl_path"`  // v4l2-ctl の実行ファイル

	CommandTimeout time.Duration `yaml:"command_timeout"` // modprobe・v4l2-ctl 1回の制限時間（pkexec の認証待ちを含む）
}

// PipelineConfig はキャプチャ・変換プロセスの設定
type PipelineConfig struct {
	FFmpegPath string   `yaml:"ffmpeg_path"` // ffmpeg の実行ファイル
	LogDir     string   `yaml:"log_dir"`     // 診断ログの出力先
	StreamHost string   `yaml:"stream_host"` // プレビュー用UDPストリームの送信先
	PacketSize int      `yaml:"packet_size"` // UDPのパケットサイズ
	ExtraArgs  []string `yaml:"extra_args"`  // ffmpeg の入力前に追加する引数
}

// SessionConfig はセッション監視の設定
type SessionConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`  // 起動試行の上限
	LaunchSettle time.Duration `yaml:"launch_settle"` // 起動から判定までの待ち時間
	ResetSettle  time.Duration `yaml:"reset_settle"`  // バスリセット後の待ち時間
	StopGrace    time.Duration `yaml:"stop_grace"`    // SIGTERM から SIGKILL までの猶予
}

// ConflictConfig はカメラを奪い合うサービスの設定
type ConflictConfig struct {
	Services     []string `yaml:"services"`      // systemctl --user で止めるユニット
	ProcessNames []string `yaml:"process_names"` // 名前で終了させるプロセス
	MountURIs    []string `yaml:"mount_uris"`    // gio mount -u で外すURI

	CommandTimeout time.Duration `yaml:"command_timeout"` // systemctl・gio 1回の制限時間
}

// HistoryConfig はセッション履歴の設定
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite ファイル
}

// HotplugConfig はUSB抜き差し監視の設定
type HotplugConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Root     string        `yaml:"root"`     // 通常は /dev/bus/usb
	Debounce time.Duration `yaml:"debounce"` // 連続したイベントをまとめる間隔
}

// LoggingConfig はログの設定
type LoggingConfig struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error
	JSON  bool   `yaml:"json"`  // JSON形式で出力する
}

var vendorIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

// Default はデフォルト値の設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Camera: CameraConfig{
			VendorID:      "04a9",
			GPhoto2Path:   "gphoto2",
			DetectTimeout: 10 * time.Second,
			SysfsRoot:     "/sys",
			DevRoot:       "/dev",
		},
		Loopback: LoopbackConfig{
			Module:        "v4l2loopback",
			Slots:         4,
			ExclusiveCaps: true,
			Privilege:     []string{"pkexec"},
			V4L2CtlPath:   "v4l2-ctl",

			CommandTimeout: time.Minute,
		},
		Pipeline: PipelineConfig{
			FFmpegPath: "ffmpeg",
			LogDir:     filepath.Join(os.TempDir(), "digicam"),
			StreamHost: "127.0.0.1",
			PacketSize: 1316,
		},
		Session: SessionConfig{
			MaxAttempts:  3,
			LaunchSettle: 6 * time.Second,
			ResetSettle:  5 * time.Second,
			StopGrace:    2 * time.Second,
		},
		Conflict: ConflictConfig{
			Services:     []string{"gvfs-gphoto2-volume-monitor.service"},
			ProcessNames: []string{"gvfs-gphoto2-volume-monitor", "gvfsd-gphoto2"},
			MountURIs:    []string{"gphoto2://"},

			CommandTimeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    defaultHistoryPath(),
		},
		Hotplug: HotplugConfig{
			Enabled:  true,
			Root:     "/dev/bus/usb",
			Debounce: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（path が空なら省略）→ 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.VendorID = getEnvOrDefault("DIGICAM_VENDOR_ID", c.Camera.VendorID)
	c.Loopback.Slots = getEnvAsIntOrDefault("DIGICAM_LOOPBACK_SLOTS", c.Loopback.Slots)
	c.Pipeline.LogDir = getEnvOrDefault("DIGICAM_LOG_DIR", c.Pipeline.LogDir)
	c.History.Path = getEnvOrDefault("DIGICAM_HISTORY_PATH", c.History.Path)
	c.Logging.Level = getEnvOrDefault("DIGICAM_LOG_LEVEL", c.Logging.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Camera.VendorID != "" && !vendorIDPattern.MatchString(c.Camera.VendorID) {
		errs = append(errs, fmt.Errorf("無効なベンダーID: %q（16進4桁で指定してください）", c.Camera.VendorID))
	}
	if c.Loopback.Slots < 1 || c.Loopback.Slots > 4 {
		errs = append(errs, fmt.Errorf("無効な仮想デバイス数: %d（1-4）", c.Loopback.Slots))
	}
	if c.Loopback.CommandTimeout <= 0 {
		errs = append(errs, errors.New("loopback.command_timeout は正の値を指定してください"))
	}
	if c.Conflict.CommandTimeout <= 0 {
		errs = append(errs, errors.New("conflict.command_timeout は正の値を指定してください"))
	}
	if c.Session.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("無効な試行回数: %d", c.Session.MaxAttempts))
	}
	if c.Session.LaunchSettle <= 0 {
		errs = append(errs, errors.New("launch_settle は正の値を指定してください"))
	}
	if c.Session.StopGrace <= 0 {
		errs = append(errs, errors.New("stop_grace は正の値を指定してください"))
	}
	if c.Pipeline.PacketSize < 188 || c.Pipeline.PacketSize%188 != 0 {
		errs = append(errs, fmt.Errorf("無効なパケットサイズ: %d（188の倍数）", c.Pipeline.PacketSize))
	}
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path が必要です"))
	}

	return errors.Join(errs...)
}

// ApplyOverrides はコマンドラインで指定されたホストとポートで上書きし、改めて検証する
// 空文字列と0は未指定として扱う
func (c *Config) ApplyOverrides(host string, port int) error {
	if host != "" {
		c.Server.Host = host
	}
	if port != 0 {
		c.Server.Port = port
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultHistoryPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "digicam", "history.db")
	}
	return filepath.Join(os.TempDir(), "digicam", "history.db")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
