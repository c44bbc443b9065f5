// Package preflight checks that the host can record before a session is
// attempted. It backs the doctor command and the checks run ahead of record.
package preflight

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meetcap/meetcap/internal/audio"
)

// Options configures which checks run.
type Options struct {
	OutputDir      string
	MinDiskSpaceGB float64
	// MinMemoryMB is the free memory wanted for frame buffering.
	MinMemoryMB float64
	FFmpegPath  string
	FFprobePath string
	// ChromePath is checked when the browser collaborator is in use. Empty
	// searches the usual names on PATH.
	CheckChrome bool
	ChromePath  string
	Driver      audio.Driver
	Displays    func() []image.Rectangle
}

// Result captures the outcome of all checks.
type Result struct {
	OK       bool
	Checks   []Check
	Warnings []string
}

// Check is one individual check result. A failed check that is not
// Required only produces a warning.
type Check struct {
	Name     string
	Passed   bool
	Required bool
	Message  string
}

// hooks are swapped in tests.
var (
	lookPath    = exec.LookPath
	diskUsage   = disk.UsageWithContext
	virtualMem  = mem.VirtualMemoryWithContext
	chromeNames = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}
)

// Run executes every applicable check.
func Run(ctx context.Context, opts Options) Result {
	var checks []Check
	checks = append(checks, checkOutputDir(ctx, opts.OutputDir, opts.MinDiskSpaceGB))
	checks = append(checks, checkBinary("ffmpeg", opts.FFmpegPath, true))
	checks = append(checks, checkBinary("ffprobe", opts.FFprobePath, false))
	if opts.Driver != nil {
		checks = append(checks, checkAudio(opts.Driver))
	}
	if opts.Displays != nil {
		checks = append(checks, checkDisplays(opts.Displays()))
	}
	if opts.CheckChrome {
		checks = append(checks, checkChrome(opts.ChromePath))
	}
	checks = append(checks, checkMemory(ctx, opts.MinMemoryMB))

	res := Result{OK: true, Checks: checks}
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if c.Required {
			res.OK = false
		} else {
			res.Warnings = append(res.Warnings, c.Name+": "+c.Message)
		}
	}
	return res
}

func checkOutputDir(ctx context.Context, dir string, minGB float64) Check {
	check := Check{Name: "output_dir", Required: true}
	if dir == "" {
		check.Message = "no output directory configured"
		return check
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		check.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return check
	}
	probe, err := os.CreateTemp(dir, ".meetcap-probe-*")
	if err != nil {
		check.Message = fmt.Sprintf("%s is not writable: %v", dir, err)
		return check
	}
	probe.Close()
	os.Remove(probe.Name())

	usage, err := diskUsage(ctx, dir)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", dir, err)
		return check
	}
	freeGB := float64(usage.Free) / (1024 * 1024 * 1024)
	if freeGB < minGB {
		check.Message = fmt.Sprintf("insufficient disk space: %.1f GB free, minimum %.1f GB required", freeGB, minGB)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("%.1f GB free in %s", freeGB, dir)
	return check
}

func checkBinary(name, path string, required bool) Check {
	check := Check{Name: name, Required: required}
	if path == "" {
		path = name
	}
	resolved, err := lookPath(path)
	if err != nil {
		check.Message = fmt.Sprintf("%s not found; install it or set %s_path", path, name)
		return check
	}
	check.Passed = true
	check.Message = resolved
	return check
}

func checkAudio(d audio.Driver) Check {
	check := Check{Name: "audio_input", Required: true}
	devices, err := d.Devices()
	if err != nil {
		check.Message = fmt.Sprintf("failed to list audio devices: %v", err)
		return check
	}
	inputs := audio.Inputs(devices)
	if len(inputs) == 0 {
		check.Message = "no input-capable audio devices"
		return check
	}
	sel, err := audio.DefaultSelector(devices)
	if err != nil {
		check.Message = err.Error()
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("%d input device(s), default %s", len(inputs), sel.Name)
	return check
}

func checkDisplays(displays []image.Rectangle) Check {
	check := Check{Name: "display", Required: true}
	if len(displays) == 0 {
		check.Message = "no active displays to capture"
		return check
	}
	check.Passed = true
	b := displays[0]
	check.Message = fmt.Sprintf("%d display(s), primary %dx%d", len(displays), b.Dx(), b.Dy())
	return check
}

func checkChrome(path string) Check {
	check := Check{Name: "chrome", Required: true}
	candidates := chromeNames
	if path != "" {
		candidates = []string{path}
	}
	for _, c := range candidates {
		if resolved, err := lookPath(c); err == nil {
			check.Passed = true
			check.Message = resolved
			return check
		}
	}
	if path != "" {
		check.Message = fmt.Sprintf("%s not found", filepath.Base(path))
	} else {
		check.Message = "no Chrome or Chromium on PATH; set browser.exec_path"
	}
	return check
}

func checkMemory(ctx context.Context, minMB float64) Check {
	check := Check{Name: "memory"}
	vm, err := virtualMem(ctx)
	if err != nil {
		check.Message = fmt.Sprintf("failed to read memory stats: %v", err)
		return check
	}
	availMB := float64(vm.Available) / (1024 * 1024)
	if availMB < minMB {
		check.Message = fmt.Sprintf("%.0f MB available, %.0f MB recommended for buffering", availMB, minMB)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("%.0f MB available", availMB)
	return check
}
