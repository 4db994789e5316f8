package admission

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const (
	kib = uint64(1) << 10
	mib = kib << 10
	gib = mib << 10
)

// MemoryInfo reports system memory in bytes.
type MemoryInfo struct {
	Available uint64
	Total     uint64
}

// Resources probes host capacity for the disk and memory gates.
type Resources interface {
	// LargestDiskFree returns the free bytes of the roomiest mounted volume.
	LargestDiskFree() (uint64, error)
	Memory() (MemoryInfo, error)
}

// MemoryReserve is the free memory that must stay available for a host with
// total bytes of RAM.
func MemoryReserve(total uint64) uint64 {
	switch {
	case total >= 64*gib:
		return 8 * gib
	case total >= 32*gib:
		return 4 * gib
	case total >= 16*gib:
		return 2 * gib
	case total >= 8*gib:
		return gib
	default:
		return 512 * mib
	}
}

// ignoredFSTypes never hold crawl data.
var ignoredFSTypes = map[string]struct{}{
	"proc": {}, "sysfs": {}, "devtmpfs": {}, "devpts": {}, "cgroup": {}, "cgroup2": {},
	"securityfs": {}, "debugfs": {}, "tracefs": {}, "pstore": {}, "bpf": {}, "mqueue": {},
	"hugetlbfs": {}, "configfs": {}, "fusectl": {}, "autofs": {}, "binfmt_misc": {}, "nsfs": {},
	"squashfs": {},
}

// SystemResources reads /proc via procfs and statfs(2) via x/sys/unix.
type SystemResources struct {
	fs procfs.FS
}

// NewSystemResources opens the default /proc mount.
func NewSystemResources() (*SystemResources, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &SystemResources{fs: fs}, nil
}

// Memory implements Resources.
func (r *SystemResources) Memory() (MemoryInfo, error) {
	mi, err := r.fs.Meminfo()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return MemoryInfo{}, errors.New("read meminfo: MemTotal or MemAvailable missing")
	}
	return MemoryInfo{
		Available: *mi.MemAvailable * kib,
		Total:     *mi.MemTotal * kib,
	}, nil
}

// LargestDiskFree implements Resources.
func (r *SystemResources) LargestDiskFree() (uint64, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return 0, fmt.Errorf("read mounts: %w", err)
	}
	var best uint64
	var probed int
	for _, m := range mounts {
		if _, skip := ignoredFSTypes[m.FSType]; skip {
			continue
		}
		var st unix.Statfs_t
		if err := unix.Statfs(m.MountPoint, &st); err != nil {
			continue
		}
		probed++
		free := st.Bavail * uint64(st.Bsize)
		if free > best {
			best = free
		}
	}
	if probed == 0 {
		return 0, errors.New("statfs: no usable mount points")
	}
	return best, nil
}

// FreeOSMemory returns freed heap to the OS. It is the default memory relief hook.
func FreeOSMemory() {
	debug.FreeOSMemory()
}
