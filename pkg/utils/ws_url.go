package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildWebSocketURL turns the coordinator base URL into the agent session endpoint.
func BuildWebSocketURL(baseURL, agentID string, name string, os string) string {
	wsURL := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return fmt.Sprintf("%s/ws?role=storage&name=%s&id=%s&os=%s", wsURL, url.QueryEscape(name), url.QueryEscape(agentID), url.QueryEscape(os))
}
