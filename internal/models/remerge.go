package models

// LightRemoteInode is the directory-entry projection streamed during remerge.
type LightRemoteInode struct {
	Name         string `json:"name"`
	Owner        string `json:"owner"`
	Group        string `json:"group"`
	IsDir        bool   `json:"is_dir"`
	LastModified int64  `json:"last_modified"`
	Size         int64  `json:"size"`
}

// RemergeListing describes one directory and its direct children.
type RemergeListing struct {
	CommandIndex string             `json:"command_index"`
	Path         string             `json:"path"`
	LastModified int64              `json:"last_modified"`
	Inodes       []LightRemoteInode `json:"inodes"`
}

type RemergeSummary struct {
	Path    string `json:"path"`
	Partial bool   `json:"partial"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
}
