package models

// Command is a decoded coordinator request. Index correlates it with exactly one Response.
type Command struct {
	Index string   `json:"index"`
	Name  string   `json:"name"`
	Args  []string `json:"args,omitempty"`
}

// Response is the terminal answer to a Command.
type Response struct {
	Index   string     `json:"index"`
	Name    string     `json:"name"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Response) Failed() bool {
	return r.Error != nil
}

type HandshakeRequest struct {
	Extensions []string `json:"extensions"`
}

type HandshakeReply struct {
	AgentID       string     `json:"agent_id"`
	AgentName     string     `json:"agent_name"`
	SessionID     string     `json:"session_id"`
	Extensions    []string   `json:"extensions"`
	SSL           bool       `json:"ssl"`
	MaxPathLength int        `json:"max_path"`
	Error         *ErrorInfo `json:"error,omitempty"`
}
