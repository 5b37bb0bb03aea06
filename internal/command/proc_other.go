//go:build !linux

package command

func isZombie(pid int) bool {
	return false
}
