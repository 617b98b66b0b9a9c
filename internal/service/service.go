package service

import (
	"github.com/The-Promised-Neverland/storage-agent/internal/filesys"
	"github.com/The-Promised-Neverland/storage-agent/internal/models"
	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Service struct {
	roots *filesys.Roots
}

func NewService(roots *filesys.Roots) *Service {
	return &Service{
		roots: roots,
	}
}

func (s *Service) GetHostMetrics() *models.HostMetrics {
	metrics := &models.HostMetrics{}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		metrics.CPUUsage = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsage = memStat.UsedPercent
	}
	if diskStat, err := disk.Usage(s.usagePath()); err == nil {
		metrics.DiskUsage = diskStat.UsedPercent
	}
	hostInfo, err := host.Info()
	if err != nil {
		logger.Log.Warn("Failed to read host info", "err", err)
		return metrics
	}
	metrics.Hostname = hostInfo.Hostname
	metrics.OS = hostInfo.OS
	metrics.Uptime = hostInfo.Uptime
	return metrics
}

// usagePath is the first root, falling back to the filesystem root.
func (s *Service) usagePath() string {
	if s.roots != nil {
		if paths := s.roots.Paths(); len(paths) > 0 {
			return paths[0]
		}
	}
	return "/"
}

// DiskStatus reports free and total space across the local roots.
func (s *Service) DiskStatus() models.DiskStatus {
	if s.roots == nil {
		return models.DiskStatus{}
	}
	return s.roots.DiskStatus()
}
