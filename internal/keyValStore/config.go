package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	return CheckFreeSpace(path, sc.MinimumFreeSpace)
}

// CheckFreeSpace fails when the filesystem holding path has less than
// minimumGB gigabytes available.
func CheckFreeSpace(path string, minimumGB int) error {
	if minimumGB <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if availableSpaceInGB < uint64(minimumGB) {
		return fmt.Errorf("not enough space available on disk: %d GB free, %d GB required", availableSpaceInGB, minimumGB)
	}
	return nil
}
