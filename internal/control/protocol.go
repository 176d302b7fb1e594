// Package control implements the Unix socket server and client for the
// modlink daemon. The daemon keeps the device connection open and runs
// agent sessions on behalf of CLI invocations, one at a time.
//
// Each connection carries one Request. Status and cache requests get a
// single JSON response line. Run and provision requests get a stream of
// Frames: any number of "log" frames followed by exactly one "result" or
// "error" frame.
package control

import (
	"encoding/json"
	"time"

	"github.com/modlink/modlink/internal/protocol"
)

const ProtocolVersion = 1

const (
	RequestRun        = "run"
	RequestProvision  = "provision"
	RequestStatus     = "status"
	RequestCacheStats = "cache_stats"
	RequestCacheClear = "cache_clear"
)

type Request struct {
	Version int    `json:"version,omitempty"`
	Type    string `json:"type"`
	// Agent is the encoded agent request for "run".
	Agent json.RawMessage `json:"agent,omitempty"`
}

const (
	FrameLog    = "log"
	FrameResult = "result"
	FrameError  = "error"
)

type Frame struct {
	Type string             `json:"type"`
	Log  *protocol.LogEvent `json:"log,omitempty"`
	// Result is the agent's encoded terminal response for "run".
	Result json.RawMessage `json:"result,omitempty"`
	// Installed reports whether "provision" pushed a new agent.
	Installed bool `json:"installed,omitempty"`
	// Kind names the failure kind ("transport", "protocol", "agent",
	// "provisioning"), empty for unclassified daemon errors.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type StatusResponse struct {
	Running     bool   `json:"running"`
	PID         int    `json:"pid"`
	Device      string `json:"device"`
	Connected   bool   `json:"connected"`
	Busy        bool   `json:"busy"`
	Sessions    int64  `json:"sessions"`
	ConfigHash  string `json:"config_hash,omitempty"`
	AgentSHA256 string `json:"agent_sha256,omitempty"`
}

type CacheEntry struct {
	Size int64         `json:"size"`
	Age  time.Duration `json:"age"`
}

type CacheStatsResponse struct {
	Dir     string                `json:"dir"`
	Entries map[string]CacheEntry `json:"entries,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type CacheClearResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
