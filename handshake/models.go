package handshake

import (
	"encoding/json"

	"smartconnect/structs"
)

// Path is the control endpoint route for the handshake call
const Path = "/api/handshake"

type HandshakeRequest struct {
	ClientVersion string `json:"clientVersion"`
}

type HandshakeResponse struct {
	Message      *string              `json:"message,omitempty"`
	UpdateNeeded bool                 `json:"updateNeeded"`
	ForceUpdate  bool                 `json:"forceUpdate"`
	Configs      []structs.ConfigBlob `json:"configs,omitempty"`
}

// UnmarshalJSON accepts the older "text" field when "message" is absent
func (r *HandshakeResponse) UnmarshalJSON(data []byte) error {
	type plain HandshakeResponse
	var aux struct {
		plain
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = HandshakeResponse(aux.plain)
	if r.Message == nil {
		r.Message = aux.Text
	}
	return nil
}

// MessageText returns the message or "" when none was sent
func (r *HandshakeResponse) MessageText() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return *r.Message
}
