package usbsid

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity describes how the target board is recognized among enumerated
// USB devices. Serial is optional and narrows matching when several boards
// share a vendor/product pair.
type Identity struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

func (id Identity) String() string {
	if id.Serial != "" {
		return fmt.Sprintf("%04x:%04x serial=%s", id.VendorID, id.ProductID, id.Serial)
	}
	return fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
}

// DeviceInfo is one enumerated USB device as seen in sysfs.
type DeviceInfo struct {
	SysfsPath string
	BusNum    uint8
	DevNum    uint8
	VendorID  uint16
	ProductID uint16
	Serial    string
	Product   string
}

// Node returns the usbfs device node for the enumerated device.
func (d DeviceInfo) Node() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.BusNum, d.DevNum)
}

const sysfsUSBDevices = "/sys/bus/usb/devices"

// Enumerate lists USB devices from sysfs. Entries that cannot be read
// completely (permissions, races with unplug) are skipped.
func Enumerate() ([]DeviceInfo, error) {
	return enumerateAt(sysfsUSBDevices)
}

func enumerateAt(root string) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read sysfs usb directory: %w", err)
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()
		// Interface entries contain ':'; only whole devices carry idVendor.
		if strings.Contains(name, ":") {
			continue
		}
		info, err := loadDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

func loadDevice(sysfsPath string) (DeviceInfo, error) {
	info := DeviceInfo{SysfsPath: sysfsPath}

	var err error
	if info.BusNum, err = readUint8(sysfsPath, "busnum"); err != nil {
		return DeviceInfo{}, err
	}
	if info.DevNum, err = readUint8(sysfsPath, "devnum"); err != nil {
		return DeviceInfo{}, err
	}
	if info.VendorID, err = readHex16(sysfsPath, "idVendor"); err != nil {
		return DeviceInfo{}, err
	}
	if info.ProductID, err = readHex16(sysfsPath, "idProduct"); err != nil {
		return DeviceInfo{}, err
	}
	info.Serial = readString(sysfsPath, "serial")
	info.Product = readString(sysfsPath, "product")
	return info, nil
}

// Find locates the first enumerated device matching identity. Returns
// ErrDeviceAbsent when nothing matches.
func Find(identity Identity) (DeviceInfo, error) {
	devices, err := Enumerate()
	if err != nil {
		return DeviceInfo{}, err
	}
	return match(devices, identity)
}

func match(devices []DeviceInfo, identity Identity) (DeviceInfo, error) {
	for _, dev := range devices {
		if dev.VendorID != identity.VendorID || dev.ProductID != identity.ProductID {
			continue
		}
		if identity.Serial != "" && dev.Serial != identity.Serial {
			continue
		}
		return dev, nil
	}
	return DeviceInfo{}, fmt.Errorf("usb %s: %w", identity, ErrDeviceAbsent)
}

func readUint8(dir, file string) (uint8, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	return uint8(value), err
}

func readHex16(dir, file string) (uint16, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	return uint16(value), err
}

func readString(dir, file string) string {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
