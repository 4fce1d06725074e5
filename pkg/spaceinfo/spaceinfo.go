// Package spaceinfo reports disk usage for the directories a store lives in,
// so low-space conditions show up in the logs before Badger starts failing
// writes.
package spaceinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// getDiskUsageStats gets the disk usage statistics of the given path
func getDiskUsageStats(path string) (stats syscall.Statfs_t, err error) {
	err = syscall.Statfs(path, &stats)
	return
}

// FreeSpace returns the free bytes on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	stats, err := getDiskUsageStats(path)
	if err != nil {
		return 0, fmt.Errorf("error retrieving disk usage stats for %s: %w", path, err)
	}
	return stats.Bfree * uint64(stats.Bsize), nil
}

// CalculateDirectorySize calculates the total size of files within a directory
func CalculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// GetDeviceAndMountPoint resolves the mount point and device backing path.
func GetDeviceAndMountPoint(path string) (string, string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", "", err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	for _, partition := range partitions {
		if contains(absPath, partition.Mountpoint) {
			return partition.Mountpoint, partition.Device, nil
		}
	}

	return "", "", fmt.Errorf("mount point not found for path: %s", path)
}

// contains checks if a path is within the mount point.
func contains(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}

	p := filepath.Clean(path)
	m := filepath.Clean(mountpoint)

	if m == string(os.PathSeparator) || p == m {
		return true
	}

	return strings.HasPrefix(p, m+string(os.PathSeparator))
}

// DisplayDiskUsage logs disk usage information for each path.
func DisplayDiskUsage(log *logrus.Logger, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no path provided in configuration")
	}

	for _, path := range paths {
		stats, err := getDiskUsageStats(path)
		if err != nil {
			return fmt.Errorf("error retrieving disk usage stats for %s: %w", path, err)
		}

		mountPoint, device, err := GetDeviceAndMountPoint(path)
		if err != nil {
			return fmt.Errorf("error finding device and mount point for %s: %w", path, err)
		}

		totalSpace := float64(stats.Blocks*uint64(stats.Bsize)) / 1e9
		freeSpace := float64(stats.Bfree*uint64(stats.Bsize)) / 1e9

		pathSize, err := CalculateDirectorySize(path)
		if err != nil {
			return fmt.Errorf("error calculating directory size for %s: %w", path, err)
		}

		log.Infof("Disk usage for %s: device=%s mount=%s total=%.2fGB used=%.2fGB free=%.2fGB store=%.2fGB",
			path, device, mountPoint, totalSpace, totalSpace-freeSpace, freeSpace, float64(pathSize)/1e9)
	}

	return nil
}
