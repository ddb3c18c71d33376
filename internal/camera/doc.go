// Package camera テザー接続カメラのUSBポート特定を担う
//
// # 責務
// - sysfs からUSBデバイスを列挙し、ベンダーIDで絞り込む
// - gphoto2 --auto-detect の出力からモデル名とポートを取得する
// - リセット後に変化したポート（usb:BBB,DDD）を再検出する
// - 外部コマンド実行の共通インターフェース（Runner）を提供する
//
// # 仕様
//   - 前回のポートがまだ存在すればそれを返す（リセット後の高速パス）
//   - 表示名のヒントがあればモデル名で照合し、別のカメラを誤って選ばない
//   - 候補が複数ある場合は推測せず ErrAmbiguousPort を返す
//   - 検出はタイムアウト付き（既定10秒）で、タイムアウトは ErrPortNotFound として扱う
//
// # 前提要件
//   - gphoto2: カメラモデル名の取得に使用
//     Ubuntu/Debian: sudo apt install gphoto2
//     Red Hat/Fedora: sudo dnf install gphoto2
package camera
