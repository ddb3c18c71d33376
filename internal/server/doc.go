// Package server は、カメラセッションを操作するHTTPサーバーを管理します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - セッションの開始・停止・一覧・履歴のAPI
//   - 接続中のカメラ一覧のAPI（USBの抜き差しでキャッシュを無効化）
//
// 仕様:
//   - ルーティングはgin
//   - セッション開始は終端結果までブロックし、結果をHTTPステータスに対応付ける
//     成功 200 / カメラなし 404 / 仮想デバイスなし 503 / 再試行の上限 502（診断ログ付き）
//   - セッションが稼働中はカメラ一覧をキャッシュから返す（gphoto2 はキャプチャ中のカメラに触れない）
//   - グレースフルシャットダウンに対応し、停止時にすべてのセッションを止める
package server
