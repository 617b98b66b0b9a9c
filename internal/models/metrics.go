package models

type HostMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Uptime      uint64  `json:"uptime"`
}

// DiskStatus sums free and total space across the local roots.
type DiskStatus struct {
	SpaceAvailable uint64 `json:"space_available"`
	SpaceCapacity  uint64 `json:"space_capacity"`
}
