//go:build linux

package command

import (
	"os"
	"strconv"
	"strings"
)

// isZombie reports whether pid has exited but not been reaped yet. Signal 0
// still succeeds for such a process, so the /proc state decides.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	stat := string(b)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return false
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "Z" || fields[0] == "X"
}
