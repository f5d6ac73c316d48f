package kmain

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"kmem/kernel/hal/multiboot"
	"kmem/kernel/mm"
)

// Boot command line keys recognised by ParseConfig.
const (
	keyLogLevel       = "mm.loglevel"
	keyMaxDescriptors = "mm.maxdescriptors"
	keyKernelOffset   = "mm.kernel_offset"
)

// defaultMaxDescriptors is the default capacity limit of each descriptor
// arena.
const defaultMaxDescriptors = 65536

// Config holds the memory subsystem settings.
type Config struct {
	// LogLevel is the minimum level of structured log events.
	LogLevel slog.Level

	// MaxDescriptors caps each descriptor arena.
	MaxDescriptors int

	// KernelOffset is added to the physical address of every kernel chunk
	// when the kernel is mapped.
	KernelOffset uintptr
}

// ParseConfig reads the memory subsystem settings from the boot command line.
// Missing keys keep their defaults.
func ParseConfig(info *multiboot.Info) (Config, error) {
	cfg := Config{
		LogLevel:       slog.LevelInfo,
		MaxDescriptors: defaultMaxDescriptors,
	}

	args := info.GetBootCmdLine()
	if v, ok := args[keyLogLevel]; ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, errors.Wrapf(err, "kmain: parsing %s", keyLogLevel)
		}
	}

	if v, ok := args[keyMaxDescriptors]; ok {
		n, err := strconv.ParseUint(v, 0, 31)
		if err != nil {
			return cfg, errors.Wrapf(err, "kmain: parsing %s", keyMaxDescriptors)
		}
		if n == 0 {
			return cfg, errors.Newf("kmain: %s must be positive", keyMaxDescriptors)
		}
		cfg.MaxDescriptors = int(n)
	}

	if v, ok := args[keyKernelOffset]; ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "kmain: parsing %s", keyKernelOffset)
		}
		if !mm.IsPageAligned(uintptr(n)) {
			return cfg, errors.Newf("kmain: %s %#x is not page aligned", keyKernelOffset, n)
		}
		cfg.KernelOffset = uintptr(n)
	}

	return cfg, nil
}
