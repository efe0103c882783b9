// Package hardware discovers RDMA devices through sysfs so the probe can pick
// a device for its communication manager.
package hardware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel exposes device classes.
const DefaultSysfsRoot = "/sys"

// PortInfo describes one physical port of an RDMA device.
type PortInfo struct {
	Number    int    `json:"number" yaml:"number"`
	State     string `json:"state" yaml:"state"`           // ACTIVE, DOWN, INIT
	LinkLayer string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	Speed     uint64 `json:"speed" yaml:"speed"`           // Gb/s
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Active reports whether any port of the device is ACTIVE.
func (d RDMAInfo) Active() bool {
	for _, p := range d.Ports {
		if p.State == "ACTIVE" {
			return true
		}
	}

	return false
}

// Speed returns the fastest port speed of the device in Gb/s.
func (d RDMAInfo) Speed() uint64 {
	var best uint64

	for _, p := range d.Ports {
		if p.Speed > best {
			best = p.Speed
		}
	}

	return best
}

// DetectRDMA lists the devices under <root>/class/infiniband. A missing
// class directory means no devices and is not an error.
func DetectRDMA(root string) ([]RDMAInfo, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}

	rdmaPath := filepath.Join(root, "class", "infiniband")

	entries, err := os.ReadDir(rdmaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", rdmaPath).Msg("No RDMA devices found in sysfs")
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list RDMA devices: %w", err)
	}

	devices := make([]RDMAInfo, 0, len(entries))

	for _, entry := range entries {
		devicePath := filepath.Join(rdmaPath, entry.Name())
		device := RDMAInfo{
			Name:         entry.Name(),
			DevicePath:   devicePath,
			NodeGUID:     readSysfsFile(filepath.Join(devicePath, "node_guid")),
			SysImageGUID: readSysfsFile(filepath.Join(devicePath, "sys_image_guid")),
			BoardID:      readSysfsFile(filepath.Join(devicePath, "board_id")),
			FirmwareVer:  readSysfsFile(filepath.Join(devicePath, "fw_ver")),
			NodeType:     parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
		}

		portsPath := filepath.Join(devicePath, "ports")
		if portEntries, err := os.ReadDir(portsPath); err == nil {
			for _, pe := range portEntries {
				num, err := strconv.Atoi(pe.Name())
				if err != nil {
					continue
				}

				portPath := filepath.Join(portsPath, pe.Name())
				device.Ports = append(device.Ports, PortInfo{
					Number:    num,
					State:     parsePortState(readSysfsFile(filepath.Join(portPath, "state"))),
					LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
					Speed:     parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
				})
			}
		}

		log.Debug().
			Str("device", device.Name).
			Int("ports", len(device.Ports)).
			Bool("active", device.Active()).
			Msg("Detected RDMA device")

		devices = append(devices, device)
	}

	return devices, nil
}

// BestDevice returns the fastest device with an active port.
func BestDevice(devices []RDMAInfo) (RDMAInfo, bool) {
	var (
		best  RDMAInfo
		found bool
	)

	for _, dev := range devices {
		if !dev.Active() {
			continue
		}

		if !found || dev.Speed() > best.Speed() {
			best = dev
			found = true
		}
	}

	return best, found
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - sysfs attribute path
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts node type number to string.
// The file reads like "1: CA".
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parsePortState turns "4: ACTIVE" into "ACTIVE".
func parsePortState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return strings.TrimSpace(state)
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}
