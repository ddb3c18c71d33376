package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Camera.VendorID != "04a9" {
		t.Errorf("デフォルトのベンダーIDが違います: %s", cfg.Camera.VendorID)
	}
	if cfg.Loopback.Slots != 4 {
		t.Errorf("仮想デバイス数: got %d, want 4", cfg.Loopback.Slots)
	}
	if cfg.Session.MaxAttempts != 3 {
		t.Errorf("試行回数: got %d, want 3", cfg.Session.MaxAttempts)
	}
	if cfg.Session.LaunchSettle != 6*time.Second {
		t.Errorf("起動待ち時間: got %v, want 6s", cfg.Session.LaunchSettle)
	}
	if cfg.Pipeline.PacketSize != 1316 {
		t.Errorf("パケットサイズ: got %d, want 1316", cfg.Pipeline.PacketSize)
	}
	if cfg.Loopback.CommandTimeout != time.Minute {
		t.Errorf("modprobe の制限時間: got %v, want 1m", cfg.Loopback.CommandTimeout)
	}
	if cfg.Conflict.CommandTimeout != 10*time.Second {
		t.Errorf("systemctl の制限時間: got %v, want 10s", cfg.Conflict.CommandTimeout)
	}
}

// TestConfigLoadFile はYAMLファイルの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digicam.yaml")
	data := `
server:
  port: 9090
camera:
  vendor_id: "04b0"
loopback:
  slots: 2
  privilege: []
session:
  launch_settle: 3s
  max_attempts: 5
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("ポート: got %d, want 9090", cfg.Server.Port)
	}
	if cfg.Camera.VendorID != "04b0" {
		t.Errorf("ベンダーID: got %s, want 04b0", cfg.Camera.VendorID)
	}
	if cfg.Loopback.Slots != 2 {
		t.Errorf("仮想デバイス数: got %d, want 2", cfg.Loopback.Slots)
	}
	if len(cfg.Loopback.Privilege) != 0 {
		t.Errorf("権限昇格コマンドが空になっていません: %v", cfg.Loopback.Privilege)
	}
	if cfg.Session.LaunchSettle != 3*time.Second {
		t.Errorf("起動待ち時間: got %v, want 3s", cfg.Session.LaunchSettle)
	}
	if cfg.Session.MaxAttempts != 5 {
		t.Errorf("試行回数: got %d, want 5", cfg.Session.MaxAttempts)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Errorf("ログ設定が反映されていません: %+v", cfg.Logging)
	}
	// ファイルにない項目はデフォルトのまま
	if cfg.Pipeline.FFmpegPath != "ffmpeg" {
		t.Errorf("ffmpeg のパス: got %s", cfg.Pipeline.FFmpegPath)
	}
}

// TestConfigLoadFileErrors は読み込めない設定ファイルをテストする
func TestConfigLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーが期待されました")
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(broken); err == nil {
		t.Error("不正なYAMLでエラーが期待されました")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("loopback:\n  slots: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("検証エラーが期待されました")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "ベンダー指定なし",
			modify:    func(c *Config) { c.Camera.VendorID = "" },
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "無効なベンダーID",
			modify:    func(c *Config) { c.Camera.VendorID = "canon" },
			expectErr: true,
		},
		{
			name:      "仮想デバイス数が多すぎる",
			modify:    func(c *Config) { c.Loopback.Slots = 5 },
			expectErr: true,
		},
		{
			name:      "試行回数0",
			modify:    func(c *Config) { c.Session.MaxAttempts = 0 },
			expectErr: true,
		},
		{
			name:      "パケットサイズが188の倍数でない",
			modify:    func(c *Config) { c.Pipeline.PacketSize = 1400 },
			expectErr: true,
		},
		{
			name:      "modprobe の制限時間0",
			modify:    func(c *Config) { c.Loopback.CommandTimeout = 0 },
			expectErr: true,
		},
		{
			name:      "systemctl の制限時間が負",
			modify:    func(c *Config) { c.Conflict.CommandTimeout = -time.Second },
			expectErr: true,
		},
		{
			name: "履歴のパスなし",
			modify: func(c *Config) {
				c.History.Enabled = true
				c.History.Path = ""
			},
			expectErr: true,
		},
		{
			name: "履歴無効ならパス不要",
			modify: func(c *Config) {
				c.History.Enabled = false
				c.History.Path = ""
			},
			expectErr: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestApplyOverrides はコマンドライン指定の上書きと再検証をテストする
func TestApplyOverrides(t *testing.T) {
	testCases := []struct {
		name      string
		host      string
		port      int
		wantAddr  string
		expectErr bool
	}{
		{name: "指定なし", wantAddr: "127.0.0.1:8080"},
		{name: "ホストとポート", host: "0.0.0.0", port: 9090, wantAddr: "0.0.0.0:9090"},
		{name: "負のポート", port: -1, expectErr: true},
		{name: "範囲外のポート", port: 70000, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyOverrides(tc.host, tc.port)
			if tc.expectErr {
				if err == nil {
					t.Error("エラーが期待されましたが、エラーが発生しませんでした")
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラーが発生しました: %v", err)
			}
			if got := cfg.ServerAddress(); got != tc.wantAddr {
				t.Errorf("アドレス: got %s, want %s", got, tc.wantAddr)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("DIGICAM_VENDOR_ID", "04b0")
	t.Setenv("DIGICAM_LOG_LEVEL", "trace")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Camera.VendorID != "04b0" {
		t.Errorf("環境変数のベンダーIDが反映されていません: got %s", cfg.Camera.VendorID)
	}
	if cfg.Logging.Level != "trace" {
		t.Errorf("環境変数のログレベルが反映されていません: got %s", cfg.Logging.Level)
	}
}

// TestEnvironmentInvalidInt は整数でない環境変数を無視することをテストする
func TestEnvironmentInvalidInt(t *testing.T) {
	t.Setenv("PORT", "abc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("デフォルトのポートが使われていません: got %d", cfg.Server.Port)
	}
}
