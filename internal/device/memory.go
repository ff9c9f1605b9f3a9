package device

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// AvailableMemoryMB reads the host's available memory from /proc/meminfo.
// Returns 0 when the value cannot be determined (non-Linux hosts), which
// callers treat as "unknown, skip the check".
func AvailableMemoryMB() int {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int(kb / 1024)
	}
	return 0
}
