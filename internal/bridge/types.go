// Package bridge projects conversations onto the external A2A JSON-RPC
// protocol and an MCP tool surface, grounded on the A2A wire shapes used
// across the example corpus's agent-to-agent runtimes.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Role names a bridged participant. A pair always has exactly two: the
// initiator that opened it and the responder answering it.
type Role string

const (
	RoleInit Role = "init"
	RoleResp Role = "resp"
)

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleInit {
		return RoleResp
	}
	return RoleInit
}

// AgentID is the conversation roster agent_id this role is published as.
func (r Role) AgentID() string { return string(r) }

// TaskMessage is a single A2A message: a role and its ordered content parts.
type TaskMessage struct {
	Role  string         `json:"role"`
	Parts []*MessagePart `json:"parts"`
}

// MessagePart is one content part of a TaskMessage or Artifact: exactly one
// of Text/Data/(MIMEType+URI/Bytes) is populated depending on Type.
type MessagePart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	MIMEType *string         `json:"mimeType,omitempty"`
	URI      *string         `json:"uri,omitempty"`
	Bytes    *string         `json:"bytes,omitempty"`
}

// Artifact is an output artifact attached to a task.
type Artifact struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Parts       []*MessagePart `json:"parts"`
	Index       *int           `json:"index,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is the canonical A2A task state for one side of a pair's epoch.
type TaskStatus struct {
	State     string       `json:"state"`
	Message   *TaskMessage `json:"message,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// TaskEvent is one frame of a message/stream or tasks/resubscribe SSE
// response. A message frame carries both Message and the Status it
// implies; a status frame carries Status only.
type TaskEvent struct {
	Type     string       `json:"type"`
	TaskID   string       `json:"taskId"`
	Status   *TaskStatus  `json:"status,omitempty"`
	Artifact *Artifact    `json:"artifact,omitempty"`
	Message  *TaskMessage `json:"message,omitempty"`
	Final    bool         `json:"final,omitempty"`
}

// Task is the denormalized projection returned by tasks/get.
type Task struct {
	ID        string         `json:"id"`
	Status    *TaskStatus    `json:"status,omitempty"`
	Artifacts []*Artifact    `json:"artifacts,omitempty"`
	History   []*TaskMessage `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendMessagePayload is the request body for message/send.
type SendMessagePayload struct {
	TaskID   string         `json:"taskId,omitempty"`
	Message  *TaskMessage   `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetTaskPayload is the request body for tasks/get.
type GetTaskPayload struct {
	ID string `json:"id"`
}

// CancelTaskPayload is the request body for tasks/cancel.
type CancelTaskPayload struct {
	ID string `json:"id"`
}

// AgentCard is the A2A discovery document.
type AgentCard struct {
	ProtocolVersion    string                     `json:"protocolVersion"`
	Name               string                     `json:"name"`
	Description        string                     `json:"description,omitempty"`
	URL                string                     `json:"url"`
	Version            string                     `json:"version"`
	Capabilities       map[string]any             `json:"capabilities,omitempty"`
	DefaultInputModes  []string                   `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string                   `json:"defaultOutputModes,omitempty"`
	Skills             []*Skill                   `json:"skills"`
	SecuritySchemes    map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
}

// Skill is one capability advertised in an AgentCard.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// SecurityScheme describes one way a caller may authenticate to the bridge.
type SecurityScheme struct {
	Type   string          `json:"type"`
	Scheme string          `json:"scheme,omitempty"`
	In     string          `json:"in,omitempty"`
	Name   string          `json:"name,omitempty"`
	Flows  json.RawMessage `json:"flows,omitempty"`
}

// taskID builds the init:<pair>#<epoch> / resp:<pair>#<epoch> task
// identifier for a role within an epoch.
func taskID(pairID string, epoch int, role Role) string {
	return fmt.Sprintf("%s:%s#%d", role, pairID, epoch)
}

// parseTaskID splits a task id back into its role, pair id and epoch.
func parseTaskID(id string) (role Role, pairID string, epoch int, err error) {
	var roleStr, rest string
	for i, c := range id {
		if c == ':' {
			roleStr, rest = id[:i], id[i+1:]
			break
		}
	}
	if roleStr == "" {
		return "", "", 0, fmt.Errorf("malformed task id %q", id)
	}
	switch Role(roleStr) {
	case RoleInit, RoleResp:
		role = Role(roleStr)
	default:
		return "", "", 0, fmt.Errorf("unknown role in task id %q", id)
	}

	hashIdx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '#' {
			hashIdx = i
			break
		}
	}
	if hashIdx < 0 {
		return "", "", 0, fmt.Errorf("malformed task id %q", id)
	}
	pairID = rest[:hashIdx]
	if _, err := fmt.Sscanf(rest[hashIdx+1:], "%d", &epoch); err != nil {
		return "", "", 0, fmt.Errorf("malformed epoch in task id %q: %w", id, err)
	}
	return role, pairID, epoch, nil
}

// nextStateToFinality maps the A2A metadata.nextState values to the
// internal append finality, per SPEC_FULL.md's Finality mapping table.
func nextStateToFinality(state string) (finality string, ok bool) {
	switch state {
	case "working":
		return "none", true
	case "input-required":
		return "turn", true
	case "completed", "canceled", "failed", "rejected":
		return "conversation", true
	default:
		return "", false
	}
}

// bridgeMetadataKey is the vendor-extension key under which nextState is
// carried in a SendMessagePayload's Metadata map.
const bridgeMetadataKey = "banterop"

func extractNextState(meta map[string]any) (string, bool) {
	if meta == nil {
		return "", false
	}
	ext, ok := meta[bridgeMetadataKey].(map[string]any)
	if !ok {
		return "", false
	}
	state, ok := ext["nextState"].(string)
	return state, ok
}
