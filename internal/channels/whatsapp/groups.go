package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/valetbot/valet/internal/bridge"
	"github.com/valetbot/valet/internal/policy"
)

// ListGroupsSync opens a short-lived bridge connection, issues list_groups
// and waits for the matching response. Serves the policy admin's group
// directory; the adapter's streaming socket stays untouched.
func ListGroupsSync(ctx context.Context, bridgeURL, token string) ([]policy.GroupInfo, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close()

	requestID := uuid.NewString()
	payload, _ := json.Marshal(&bridge.ListGroupsPayload{})
	cmd := bridge.Command{
		Version:   bridge.ProtocolVersion,
		Type:      bridge.CmdListGroups,
		Token:     token,
		RequestID: requestID,
		Payload:   payload,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send list_groups: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read bridge response: %w", err)
		}
		var envelope struct {
			Type      string `json:"type"`
			RequestID string `json:"requestId"`
			Payload   struct {
				Code    string               `json:"code"`
				Message string               `json:"message"`
				Groups  []bridge.GroupEntry  `json:"groups"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.RequestID != requestID {
			continue
		}
		if envelope.Type == bridge.EvtError {
			return nil, fmt.Errorf("bridge error %s: %s", envelope.Payload.Code, envelope.Payload.Message)
		}
		out := make([]policy.GroupInfo, 0, len(envelope.Payload.Groups))
		for _, g := range envelope.Payload.Groups {
			out = append(out, policy.GroupInfo{ID: g.JID, Name: g.Name})
		}
		return out, nil
	}
}
