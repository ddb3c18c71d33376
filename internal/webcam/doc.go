// Package webcam はテザー接続カメラを仮想Webカメラとして配信するセッションを管理する
//
// # 責務
// - ストリームポートをキーとしたセッションの開始・停止・一覧
// - 検出 → 仮想デバイスの確保 → 起動 → 監視の状態遷移と再試行
// - 診断ログからの失敗の分類（占有・停止 / その他）
// - 最後のセッションが終わったときの競合サービスの復元
//
// # 仕様
//   - 同じストリームポートの開始・停止は直列化し、再開始では既存の組を先に止める
//   - 占有・停止と判定した場合だけバスリセットしてから再試行する
//   - 再試行は最大3回（設定可能）。使い切ったら両方のログを結果に含める
//   - 仮想デバイスの予約はストリームポートごとで、停止時に解除する
package webcam
