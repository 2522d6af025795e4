package system

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// HostResources describes what this machine can offer as a processing node
type HostResources struct {
	Hostname    string
	Processors  int
	MemoryBytes int64
	DiskBytes   int64 // free space under the data dir
	GPUs        []string
}

// DetectHost gathers the local host's resources. Detection is best effort: a reading that fails
// leaves its field at zero.
func DetectHost(dataDir string) HostResources {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return HostResources{
		Hostname:    hostname,
		Processors:  runtime.NumCPU(),
		MemoryBytes: totalMemory(),
		DiskBytes:   availableDisk(dataDir),
		GPUs:        nvidiaGPUs(),
	}
}

// totalMemory returns installed memory in bytes
func totalMemory() int64 {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "MemTotal:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	case "darwin":
		out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
		if err == nil {
			if val, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil {
				return val
			}
		}
	case "windows":
		out, err := exec.Command("wmic", "OS", "get", "TotalVisibleMemorySize").Output()
		if err == nil {
			lines := strings.Split(string(out), "\n")
			if len(lines) > 1 {
				if kb, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	}
	return 0
}

// availableDisk returns free bytes on the filesystem holding path
func availableDisk(path string) int64 {
	switch runtime.GOOS {
	case "linux", "darwin":
		out, err := exec.Command("df", "-k", path).Output()
		if err != nil {
			return 0
		}
		lines := strings.Split(string(out), "\n")
		if len(lines) > 1 {
			fields := strings.Fields(lines[1])
			if len(fields) >= 4 {
				if kb, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	case "windows":
		drive := "C:"
		if len(path) >= 2 && path[1] == ':' {
			drive = path[:2]
		}
		out, err := exec.Command("wmic", "logicaldisk", "where", fmt.Sprintf("DeviceID='%s'", drive), "get", "FreeSpace").Output()
		if err != nil {
			return 0
		}
		lines := strings.Split(string(out), "\n")
		if len(lines) > 1 {
			if val, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
				return val
			}
		}
	}
	return 0
}

// nvidiaGPUs lists GPU names reported by nvidia-smi, if installed
func nvidiaGPUs() []string {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return nil
	}

	var gpus []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			gpus = append(gpus, name)
		}
	}
	return gpus
}
