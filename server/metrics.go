package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	systemMetricsOnce sync.Once
	cpuUsagePercent   *expvar.Float
	memUsagePercent   *expvar.Float
	diskUsagePercent  *expvar.Float
	diskFreeBytes     *expvar.Int
)

func initSystemMetrics() {
	systemMetricsOnce.Do(func() {
		cpuUsagePercent = expvar.NewFloat("system_cpu_usage_percent")
		memUsagePercent = expvar.NewFloat("system_mem_usage_percent")
		diskUsagePercent = expvar.NewFloat("system_disk_usage_percent")
		diskFreeBytes = expvar.NewInt("system_disk_free_bytes")
	})
}

// SystemCollector periodically publishes host CPU, memory and data-disk
// usage via expvar.
type SystemCollector struct {
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the data directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	initSystemMetrics()
	if interval < 2*time.Second {
		interval = 2 * time.Second
	}
	return &SystemCollector{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// collectOnce samples every metric once.
func (sc *SystemCollector) collectOnce(cpuWindow time.Duration) {
	// cpu.Percent blocks for cpuWindow.
	if cpuPercentages, err := cpu.Percent(cpuWindow, false); err == nil && len(cpuPercentages) > 0 {
		cpuUsagePercent.Set(cpuPercentages[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		diskUsagePercent.Set(du.UsedPercent)
		diskFreeBytes.Set(int64(du.Free))
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collectOnce(sc.interval - time.Second)
		case <-sc.stopChan:
			return
		}
	}
}
