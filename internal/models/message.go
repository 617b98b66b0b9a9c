package models

import "encoding/json"

const (
	MasterMsgHandshake = "master_handshake"
	MasterMsgCommand   = "master_command"
)

const (
	AgentMsgHeartbeat      = "agent_metrics"
	AgentConnBreakNotice   = "agent_conn_break"
	AgentMsgHandshake      = "agent_handshake"
	AgentMsgResponse       = "agent_response"
	AgentMsgTransferStatus = "agent_transfer_status"
	AgentMsgRemergeListing = "agent_remerge_listing"
)

// Message is the outbound envelope written to the coordinator.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound is the envelope read from the coordinator; the payload is decoded per type.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
