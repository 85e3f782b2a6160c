package monitor

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// Source names where a MemoryStats reading came from.
type Source string

const (
	SourceProcess  Source = "process"  // resident set size of this process
	SourceHost     Source = "host"     // MemTotal - MemAvailable of the host
	SourceEstimate Source = "estimate" // derived from store size
)

// ParseSource validates a configured source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(s); src {
	case SourceProcess, SourceHost, SourceEstimate:
		return src, nil
	case "":
		return SourceProcess, nil
	default:
		return "", fmt.Errorf("unknown memory source %q", s)
	}
}

// ErrSampleUnavailable wraps every primary sampler failure.
var ErrSampleUnavailable = errors.New("memory telemetry unavailable")

// Sampler reads used and total bytes from one source.
type Sampler interface {
	Sample() (used, total uint64, err error)
	Source() Source
}

// SizeSource is the part of the store the estimate needs. Both calls must be
// cheap and lock-free.
type SizeSource interface {
	Len() int
	EstimatedBytes() int64
}

// ProcessSampler reports this process's RSS against a ceiling. With a zero
// ceiling the host's MemTotal is used.
type ProcessSampler struct {
	fs      procfs.FS
	ceiling uint64
}

// NewProcessSampler opens procfs at mountPoint ("" for the default).
func NewProcessSampler(mountPoint string, ceiling uint64) (*ProcessSampler, error) {
	fs, err := openFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{fs: fs, ceiling: ceiling}, nil
}

func (p *ProcessSampler) Source() Source { return SourceProcess }

func (p *ProcessSampler) Sample() (uint64, uint64, error) {
	proc, err := p.fs.Self()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read self: %v", ErrSampleUnavailable, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read stat: %v", ErrSampleUnavailable, err)
	}
	rss := stat.ResidentMemory()
	if rss <= 0 {
		return 0, 0, fmt.Errorf("%w: resident memory not reported", ErrSampleUnavailable)
	}

	total := p.ceiling
	if total == 0 {
		if total, err = hostTotal(p.fs); err != nil {
			return 0, 0, err
		}
	}
	return uint64(rss), total, nil
}

// HostSampler reports host-wide memory in use against a ceiling. With a zero
// ceiling the host's MemTotal is used.
type HostSampler struct {
	fs      procfs.FS
	ceiling uint64
}

// NewHostSampler opens procfs at mountPoint ("" for the default).
func NewHostSampler(mountPoint string, ceiling uint64) (*HostSampler, error) {
	fs, err := openFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &HostSampler{fs: fs, ceiling: ceiling}, nil
}

func (h *HostSampler) Source() Source { return SourceHost }

func (h *HostSampler) Sample() (uint64, uint64, error) {
	mi, err := h.fs.Meminfo()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read meminfo: %v", ErrSampleUnavailable, err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return 0, 0, fmt.Errorf("%w: meminfo lacks MemTotal or MemAvailable", ErrSampleUnavailable)
	}
	// meminfo reports kB
	hostTotal := *mi.MemTotal * 1024
	avail := *mi.MemAvailable * 1024
	var used uint64
	if hostTotal > avail {
		used = hostTotal - avail
	}

	total := h.ceiling
	if total == 0 {
		total = hostTotal
	}
	return used, total, nil
}

// EstimateSampler derives usage from store size. It never fails and grows
// monotonically with both entry count and stored bytes.
type EstimateSampler struct {
	size          SizeSource
	entryOverhead uint64
	ceiling       uint64
}

// NewEstimateSampler builds the size-based fallback.
func NewEstimateSampler(size SizeSource, entryOverhead, ceiling uint64) *EstimateSampler {
	return &EstimateSampler{size: size, entryOverhead: entryOverhead, ceiling: ceiling}
}

func (e *EstimateSampler) Source() Source { return SourceEstimate }

func (e *EstimateSampler) Sample() (uint64, uint64, error) {
	n := uint64(max(e.size.Len(), 0))
	b := uint64(max(e.size.EstimatedBytes(), 0))
	return n*e.entryOverhead + b, e.ceiling, nil
}

func openFS(mountPoint string) (procfs.FS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return procfs.FS{}, fmt.Errorf("%w: open procfs: %v", ErrSampleUnavailable, err)
	}
	return fs, nil
}

func hostTotal(fs procfs.FS) (uint64, error) {
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("%w: read meminfo: %v", ErrSampleUnavailable, err)
	}
	if mi.MemTotal == nil {
		return 0, fmt.Errorf("%w: meminfo lacks MemTotal", ErrSampleUnavailable)
	}
	return *mi.MemTotal * 1024, nil
}
