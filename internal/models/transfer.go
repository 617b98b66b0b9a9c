package models

// TransferStatus is pushed while a transfer runs and once more with Final set when it ends.
// The ack Response of send/receive shares the command index but never carries this type.
type TransferStatus struct {
	CommandIndex  string     `json:"command_index"`
	TransferIndex string     `json:"transfer_index"`
	Direction     string     `json:"direction"`
	Path          string     `json:"path,omitempty"`
	Transferred   int64      `json:"transferred"`
	ElapsedMillis int64      `json:"elapsed_ms"`
	Checksum      uint32     `json:"checksum"`
	Finished      bool       `json:"finished"`
	Final         bool       `json:"final"`
	Error         *ErrorInfo `json:"error,omitempty"`
}

// ConnectInfo answers connect and listen.
type ConnectInfo struct {
	TransferIndex string         `json:"transfer_index"`
	Address       string         `json:"address,omitempty"`
	Status        TransferStatus `json:"status"`
}

type ChecksumResult struct {
	Path     string `json:"path"`
	Checksum uint32 `json:"checksum"`
}

type SSLCheck struct {
	Enabled bool `json:"enabled"`
}

type MaxPath struct {
	Length int `json:"length"`
}
