package main

import (
	"fmt"
	"io"
	"os"

	"github.com/meetcap/meetcap/internal/audio"
)

func listDevices(w io.Writer) int {
	driver, err := audio.NewMalgoDriver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audio backend unavailable: %v\n", err)
		return 1
	}
	defer driver.Close()

	devices, err := driver.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to enumerate devices: %v\n", err)
		return 1
	}
	return printDevices(w, devices)
}

func printDevices(w io.Writer, devices []audio.DeviceDescriptor) int {
	inputs := audio.Inputs(devices)
	if len(inputs) == 0 {
		fmt.Fprintln(w, "No audio input devices found.")
		return 1
	}
	for _, d := range inputs {
		fmt.Fprintf(w, "  %s\n", d)
	}
	return 0
}
