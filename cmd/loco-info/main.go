// loco-info: Probes a DW1000 behind a USB-SPI bridge and prints its
// identity, optionally dumping the configuration register set to a JSON
// file.
//
// Examples:
//
//	# Print bridge and chip identity
//	./loco-info
//
//	# Dump the configuration registers
//	./loco-info -dump etc/decks/mydeck.json
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/gousb"

	"github.com/herlein/goloco/pkg/config"
	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/dw1000/usbbridge"
)

func main() {
	deviceSel := flag.String("d", "", "Bridge serial number (default: first found)")
	dumpPath := flag.String("dump", "", "Dump configuration registers to this JSON file")
	flag.Parse()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	bridge, err := usbbridge.Open(usbCtx, *deviceSel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open bridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()

	fmt.Printf("Bridge: %s\n", bridge.String())

	dev := dw1000.New(bridge)
	if err := dev.Configure(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to configure DW1000: %v\n", err)
		os.Exit(1)
	}

	id, err := dev.DeviceID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read device id: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Device ID: 0x%08X\n", id)

	if *dumpPath != "" {
		snapshot, err := config.DumpFromDevice(dev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to dump registers: %v\n", err)
			os.Exit(1)
		}
		if err := config.SaveToFile(snapshot, *dumpPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to save configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *dumpPath)
		for _, entry := range snapshot.Registers {
			fmt.Printf("  %-10s (0x%02X) = 0x%08X\n", entry.Name, entry.Reg, entry.Value)
		}
	}
}
