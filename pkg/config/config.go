// Package config dumps and restores the DW1000 configuration register set
// as JSON files, for inspecting a deployed deck or cloning a known-good
// radio setup between tags.
package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
)

// RegisterEntry describes one register file captured in a dump.
type RegisterEntry struct {
	Name  string `json:"name"`
	Reg   uint8  `json:"reg"`
	Value uint32 `json:"value"`
}

// DeviceConfig holds a snapshot of a DW1000's configuration registers.
type DeviceConfig struct {
	DeviceID  uint32          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	Registers []RegisterEntry `json:"registers"`
}

// dumpSet lists the register files worth capturing. Writable marks the
// ones ApplyToDevice restores; identity and status registers are dumped
// for inspection only.
var dumpSet = []struct {
	name     string
	reg      uint8
	writable bool
}{
	{"PAN_ADR", dw1000.RegPanAddr, true},
	{"SYS_CFG", dw1000.RegSysCfg, true},
	{"SYS_MASK", dw1000.RegSysMask, true},
	{"RX_FWTO", dw1000.RegRxFWTO, true},
	{"TX_ANTD", dw1000.RegTxAntd, true},
	{"CHAN_CTRL", dw1000.RegChanCtrl, true},
	{"SYS_STATUS", dw1000.RegSysStatus, false},
}

// DumpFromDevice reads the configuration register set from a device.
func DumpFromDevice(device *dw1000.Device) (*DeviceConfig, error) {
	id, err := device.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}

	entries := make([]RegisterEntry, 0, len(dumpSet))
	for _, r := range dumpSet {
		var buf [4]byte
		if err := device.ReadRegister(r.reg, 0, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", r.name, err)
		}
		entries = append(entries, RegisterEntry{
			Name:  r.name,
			Reg:   r.reg,
			Value: binary.LittleEndian.Uint32(buf[:]),
		})
	}

	return &DeviceConfig{
		DeviceID:  id,
		Timestamp: time.Now(),
		Registers: entries,
	}, nil
}

// ApplyToDevice writes the writable registers of a snapshot back to a
// device. The transceiver is forced idle first so no receive or transmit
// is disturbed mid-frame.
func ApplyToDevice(device *dw1000.Device, configuration *DeviceConfig) error {
	writable := make(map[uint8]bool, len(dumpSet))
	for _, r := range dumpSet {
		if r.writable {
			writable[r.reg] = true
		}
	}

	if err := device.ForceIdle(); err != nil {
		return err
	}

	for _, entry := range configuration.Registers {
		if !writable[entry.Reg] {
			continue
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], entry.Value)
		if err := device.WriteRegister(entry.Reg, 0, buf[:]); err != nil {
			return fmt.Errorf("failed to write %s: %w", entry.Name, err)
		}
	}
	return nil
}

// SaveToFile writes a register snapshot as indented JSON, creating the
// parent directory if needed.
func SaveToFile(snapshot *DeviceConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadFromFile reads a register snapshot and checks every entry against
// the dump set, so a stale or hand-edited file cannot steer ApplyToDevice
// into register files this package never captures.
func LoadFromFile(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var snapshot DeviceConfig
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	known := make(map[string]uint8, len(dumpSet))
	for _, r := range dumpSet {
		known[r.name] = r.reg
	}
	for _, entry := range snapshot.Registers {
		reg, ok := known[entry.Name]
		if !ok {
			return nil, fmt.Errorf("snapshot entry %s is not in the dump set", entry.Name)
		}
		if reg != entry.Reg {
			return nil, fmt.Errorf("snapshot entry %s claims register 0x%02X, dump set has 0x%02X",
				entry.Name, entry.Reg, reg)
		}
	}
	return &snapshot, nil
}
