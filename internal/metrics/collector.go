package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Collector samples host resource usage. Network byte counters are kept
// between calls so each Sample carries the delta since the previous one.
type Collector struct {
	logger zerolog.Logger

	diskPath string

	// previous cumulative network counters; zero until the first sample.
	havePrev bool
	prevRx   uint64
	prevTx   uint64

	// reader is replaced in tests.
	reader hostReader
}

// hostReader abstracts the gopsutil calls so sampling is testable.
type hostReader interface {
	CPUPercent(ctx context.Context) (float64, int, error)
	Memory(ctx context.Context) (used, total uint64, err error)
	Disk(ctx context.Context, path string) (used, total uint64, err error)
	NetCounters(ctx context.Context) (rx, tx uint64, err error)
}

// NewCollector creates a collector for the root filesystem of the host.
func NewCollector(logger zerolog.Logger) *Collector {
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = "C:\\"
	}
	return &Collector{
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
		diskPath: diskPath,
		reader:   gopsutilReader{},
	}
}

// Sample gathers one reading. Each underlying read is bounded by ctx; a
// stalled or failing read zeroes that field and the sample is still
// produced, so one stuck subsystem never blocks the sampling loop.
func (c *Collector) Sample(ctx context.Context) Sample {
	s := Sample{Timestamp: time.Now().UTC()}

	pct, count, err := c.reader.CPUPercent(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("cpu read failed")
	} else {
		s.CPUPct = pct
		s.CPUCount = count
	}

	used, total, err := c.reader.Memory(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("memory read failed")
	} else {
		s.MemUsedBytes = used
		s.MemTotalBytes = total
	}

	used, total, err = c.reader.Disk(ctx, c.diskPath)
	if err != nil {
		c.logger.Debug().Err(err).Msg("disk read failed")
	} else {
		s.DiskUsedBytes = used
		s.DiskTotalBytes = total
	}

	rx, tx, err := c.reader.NetCounters(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("network read failed")
	} else {
		s.NetRxBytes, s.NetTxBytes = c.netDeltas(rx, tx)
	}

	return s
}

// Run samples on every interval tick until ctx is cancelled, appending to
// q. Each pass is bounded by timeout; a slow pass is logged and skipped
// rather than allowed to stall the loop. onSample, when non-nil, receives
// every produced sample (used by the local status API).
func (c *Collector) Run(ctx context.Context, q *Queue, interval, timeout time.Duration, onSample func(Sample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleCtx, cancel := context.WithTimeout(ctx, timeout)
			s := c.Sample(sampleCtx)
			cancel()

			q.Append(s)
			if onSample != nil {
				onSample(s)
			}
		}
	}
}

// netDeltas converts cumulative counters into per-sample deltas. The first
// call and counter resets (reboot, interface churn) report zero, never a
// negative value.
func (c *Collector) netDeltas(rx, tx uint64) (uint64, uint64) {
	defer func() {
		c.prevRx, c.prevTx = rx, tx
		c.havePrev = true
	}()

	if !c.havePrev || rx < c.prevRx || tx < c.prevTx {
		return 0, 0
	}
	return rx - c.prevRx, tx - c.prevTx
}

// gopsutilReader reads real host statistics.
type gopsutilReader struct{}

func (gopsutilReader) CPUPercent(ctx context.Context) (float64, int, error) {
	// Interval 0 computes usage since the previous call instead of blocking.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		count = runtime.NumCPU()
	}
	if len(pcts) == 0 {
		return 0, count, nil
	}
	return pcts[0], count, nil
}

func (gopsutilReader) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Used, vm.Total, nil
}

func (gopsutilReader) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return du.Used, du.Total, nil
}

func (gopsutilReader) NetCounters(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesRecv, counters[0].BytesSent, nil
}
