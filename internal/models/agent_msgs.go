package models

type Metrics struct {
	AgentID    string      `json:"agent_id"`
	AgentName  string      `json:"agent_name,omitempty"`
	SysMetrics HostMetrics `json:"host_metrics"`
	Disk       DiskStatus  `json:"disk_status"`
	Transfers  int         `json:"transfers"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

type ConnBreak struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
