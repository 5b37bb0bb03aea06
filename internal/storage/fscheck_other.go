//go:build !linux

package storage

// detectFilesystemType is not implemented off Linux; every path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
