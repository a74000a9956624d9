package models

import "encoding/json"

// WSMessage is the envelope for all WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types sent to clients.
const (
	MsgAnalysisStarted = "analysis_started"
	MsgConnection      = "connection"
	MsgReport          = "report"
	MsgReports         = "reports"
	MsgReset           = "reset"
	MsgError           = "error"
)

// AnalysisStarted announces a new capture being analysed.
type AnalysisStarted struct {
	File string `json:"file"`
}

// AnalysisStats reports what one analysis run processed.
type AnalysisStats struct {
	File           string  `json:"file,omitempty"`
	Packets        int     `json:"packets"`
	Segments       int     `json:"segments"`
	Connections    int     `json:"connections"`
	SteppingStones int     `json:"steppingStones"`
	Failures       int     `json:"failures"`
	Elapsed        float64 `json:"elapsed"` // seconds
}

// ErrorPayload describes an error sent to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}
