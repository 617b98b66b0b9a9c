package idcommands

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// GenerateAgentID creates a stable hardware-based ID from the host ID and the
// first hardware address of an interface that is up.
func GenerateAgentID() string {
	machineID, err := host.HostID()
	if err != nil || strings.TrimSpace(machineID) == "" {
		machineID, _ = os.Hostname()
	}
	macAddr, err := getPrimaryMACAddress()
	if err != nil {
		macAddr = "no-network"
	}
	combined := fmt.Sprintf("%s:%s", strings.TrimSpace(machineID), macAddr)
	hash := sha256.Sum256([]byte(combined))
	return fmt.Sprintf("%x", hash)
}

func getPrimaryMACAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no active network adapter found")
}
