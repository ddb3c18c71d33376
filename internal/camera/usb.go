package camera

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SysfsEnumerator は sysfs の bus/usb/devices を読んでUSBデバイスを列挙する
type SysfsEnumerator struct {
	Root string // sysfs のマウント位置（通常は /sys）
}

// NewSysfsEnumerator は新しいSysfsEnumeratorを作成する
func NewSysfsEnumerator(root string) *SysfsEnumerator {
	if root == "" {
		root = "/sys"
	}
	return &SysfsEnumerator{Root: root}
}

// Devices は接続中のUSBデバイスをバス番号・デバイス番号順で返す
func (e *SysfsEnumerator) Devices() ([]USBDevice, error) {
	base := filepath.Join(e.Root, "bus", "usb", "devices")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("USBデバイスの列挙に失敗: %w", err)
	}

	var devices []USBDevice
	for _, entry := range entries {
		dir := filepath.Join(base, entry.Name())

		// インターフェースのエントリ（1-1:1.0 など）には idVendor がない
		vendor := readAttr(dir, "idVendor")
		if vendor == "" {
			continue
		}

		bus, err := strconv.Atoi(readAttr(dir, "busnum"))
		if err != nil {
			continue
		}
		dev, err := strconv.Atoi(readAttr(dir, "devnum"))
		if err != nil {
			continue
		}

		devices = append(devices, USBDevice{
			Bus:          bus,
			Device:       dev,
			VendorID:     strings.ToLower(vendor),
			ProductID:    strings.ToLower(readAttr(dir, "idProduct")),
			Manufacturer: readAttr(dir, "manufacturer"),
			Product:      readAttr(dir, "product"),
			SysPath:      dir,
		})
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].Device < devices[j].Device
	})
	return devices, nil
}

// FilterVendor はベンダーが一致するデバイスだけを返す
func FilterVendor(devices []USBDevice, vendor VendorSignature) []USBDevice {
	var out []USBDevice
	for _, d := range devices {
		if vendor.Matches(d.VendorID) {
			out = append(out, d)
		}
	}
	return out
}

// FindPort はポートに一致するデバイスを探す
func FindPort(devices []USBDevice, port PortID) (USBDevice, bool) {
	bus, dev, err := ParsePortID(port)
	if err != nil {
		return USBDevice{}, false
	}
	for _, d := range devices {
		if d.Bus == bus && d.Device == dev {
			return d, true
		}
	}
	return USBDevice{}, false
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
