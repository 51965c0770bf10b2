package discord

import (
	"encoding/json"
	"time"
)

// Gateway opcodes used by this client.
const (
	GatewayOpDispatch = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	_
	_
	_
	GatewayOpResume
	GatewayOpReconnect
	_
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

// Gateway close codes that must not be retried.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IntentsGuildMessages is GUILDS|GUILD_MESSAGES, the minimum mask for
// observing provider replies in a guild channel.
const IntentsGuildMessages = 513

// Dispatch event types consumed by the observer.
const (
	EventMessageCreate = "MESSAGE_CREATE"
	EventMessageUpdate = "MESSAGE_UPDATE"
	EventMessageDelete = "MESSAGE_DELETE"
	EventReady         = "READY"
	EventResumed       = "RESUMED"
)

// Event provides a basic initial struct for all websocket events.
type Event struct {
	Operation int             `json:"op"`
	Sequence  int64           `json:"s"`
	Type      string          `json:"t"`
	RawData   json.RawMessage `json:"d"`
}

// Hello is the data sent for the Hello event.
type Hello struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Heartbeat is the data for the Heartbeat event.
type Heartbeat struct {
	Op   int   `json:"op"`
	Data int64 `json:"d"`
}

// Identify is the data sent when identifying
type Identify struct {
	Op   int          `json:"op"`
	Data IdentifyData `json:"d"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData is the inner payload of an Identify.
type IdentifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress"`
}

// Resume is the packet that we send to discord.
type Resume struct {
	Op   int        `json:"op"`
	Data ResumeData `json:"d"`
}

// ResumeData is the inner payload of a Resume.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// A Ready stores all data for the websocket READY event.
type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             *User  `json:"user"`
}

// Resumed is the data for a Resumed event.
type Resumed struct {
	Trace []string `json:"_trace"`
}

// MessageCreate is the data for a MessageCreate event.
type MessageCreate struct {
	*Message
}

// MessageUpdate is the data for a MessageUpdate event.
type MessageUpdate struct {
	*Message
}

// MessageDelete is the data for a MessageDelete event.
type MessageDelete struct {
	*Message
}
