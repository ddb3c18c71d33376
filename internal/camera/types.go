package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrPortNotFound は要求されたカメラがバス上に見つからないことを表す
	ErrPortNotFound = errors.New("camera port not found")

	// ErrAmbiguousPort は候補が複数あり一台に特定できないことを表す
	ErrAmbiguousPort = fmt.Errorf("%w: ambiguous match", ErrPortNotFound)
)

// VendorSignature はUSBベンダーID（16進4桁、例: Canon は "04a9"）
// 空文字はベンダーを問わないことを意味する
type VendorSignature string

// Matches はベンダーIDが一致するか判定する
func (v VendorSignature) Matches(vendorID string) bool {
	if v == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(string(v)), strings.TrimSpace(vendorID))
}

// PortID は gphoto2 のポート表記（usb:BBB,DDD）
type PortID string

// ParsePortID はポート表記をバス番号とデバイス番号に分解する
func ParsePortID(p PortID) (bus, dev int, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(string(p)), "usb:")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("無効なポート表記: %q", p)
	}
	if bus, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("無効なバス番号: %q", p)
	}
	if dev, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("無効なデバイス番号: %q", p)
	}
	return bus, dev, nil
}

// USBDevice は sysfs から読み取ったUSBデバイス情報
type USBDevice struct {
	Bus          int    // バス番号
	Device       int    // デバイス番号
	VendorID     string // idVendor
	ProductID    string // idProduct
	Manufacturer string // 製造元
	Product      string // 製品名
	SysPath      string // sysfs 上のパス
}

// Port はデバイスの gphoto2 ポート表記を返す
func (d USBDevice) Port() PortID {
	return PortID(fmt.Sprintf("usb:%03d,%03d", d.Bus, d.Device))
}

// DevNode はデバイスファイルのパス（/dev/bus/usb/BBB/DDD）を返す
func (d USBDevice) DevNode(devRoot string) string {
	return filepath.Join(devRoot, "bus", "usb", fmt.Sprintf("%03d", d.Bus), fmt.Sprintf("%03d", d.Device))
}

// DetectedCamera は gphoto2 --auto-detect が報告したカメラ
type DetectedCamera struct {
	Model string
	Port  PortID
}

// Camera はAPIで公開する接続中カメラの情報
type Camera struct {
	Model     string `json:"model"`
	Port      PortID `json:"port"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
}

// LocateRequest はポート検出の要求
type LocateRequest struct {
	Vendor       VendorSignature // 対象ベンダー
	PreviousPort PortID          // 直前に使っていたポート（任意）
	NameHint     string          // 表示名のヒント（任意）
}

// Locator はカメラのバス接続位置を特定するインターフェース
type Locator interface {
	// Locate は要求に一致するカメラのポートを返す
	Locate(ctx context.Context, req LocateRequest) (PortID, error)

	// ListCameras は接続中のカメラ一覧を返す
	ListCameras(ctx context.Context, vendor VendorSignature) ([]Camera, error)
}

// Enumerator はUSBデバイスの列挙を行うインターフェース
type Enumerator interface {
	Devices() ([]USBDevice, error)
}
