package worker

import (
	"context"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/octoforge/renderworker/pkg/health"
)

// SystemInfo is the machine description the worker reports at
// registration time. It is probed once at Start and again whenever a
// PUT /sysinfos/ control request asks for a refresh.
type SystemInfo struct {
	Cores         int
	RAMMiB        int
	CPUName       string
	ClockMHz      float64
	DistribName   string
	VendorDistrib string
	GLVersion     string
}

var glVersionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// ProbeSystemInfo gathers a best-effort machine description. A field
// that cannot be determined never aborts the probe: RAMMiB falls back
// to 1, DistribName to runtime.GOOS, and every other field is left at
// its zero value, so a worker with an unreadable /proc/cpuinfo can
// still register.
func ProbeSystemInfo(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Cores:       runtime.NumCPU(),
		RAMMiB:      1,
		DistribName: runtime.GOOS,
	}

	if ram, err := readRAMMiB(); err == nil {
		info.RAMMiB = ram
	}

	if name, mhz, err := readCPUInfo(); err == nil {
		info.CPUName = name
		info.ClockMHz = mhz
	}

	if distribName, vendorDistrib := readDistribInfo(); distribName != "" {
		info.DistribName = distribName
		info.VendorDistrib = vendorDistrib
	}

	info.GLVersion = probeGLVersion(ctx)

	return info
}

// readDistribInfo reads /etc/os-release for a human-readable OS label
// (PRETTY_NAME) and the short vendor identifier (ID), mirroring the
// worker's two separate OS-label fields. A missing or unreadable file
// yields two empty strings rather than an error.
func readDistribInfo() (distribName, vendorDistrib string) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			distribName = strings.Trim(v, `"`)
		}
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			vendorDistrib = strings.Trim(v, `"`)
		}
	}
	return distribName, vendorDistrib
}

func readRAMMiB() (int, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	totalBytes := uint64(si.Totalram) * uint64(si.Unit)
	return int(totalBytes / (1024 * 1024)), nil
}

func readCPUInfo() (name string, mhz float64, err error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "", 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if name == "" && strings.HasPrefix(line, "model name") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				name = strings.TrimSpace(v)
			}
		}
		if mhz == 0 && strings.HasPrefix(line, "cpu MHz") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				mhz, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
			}
		}
		if name != "" && mhz != 0 {
			break
		}
	}
	return name, mhz, nil
}

// probeGLVersion runs glxinfo and extracts the OpenGL version string.
// A missing binary or empty output simply yields an empty result; the
// render node is still usable for non-GL renderers.
func probeGLVersion(ctx context.Context) string {
	checker := health.NewExecChecker([]string{"glxinfo"}).WithTimeout(3 * time.Second)
	checker.Check(ctx)
	for _, line := range strings.Split(checker.Output, "\n") {
		if strings.Contains(line, "OpenGL version string") {
			return glVersionRe.FindString(line)
		}
	}
	return ""
}
