package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"bustrack/internal/model"
)

// InboundKind enumerates the client → server message types.
type InboundKind string

const (
	InboundAuth           InboundKind = "auth"
	InboundUpdateLocation InboundKind = "updateLocation"
	InboundStopUpdate     InboundKind = "stopUpdate"
)

// OutboundKind enumerates the server → client message types.
type OutboundKind string

const (
	OutboundConnection        OutboundKind = "connection"
	OutboundAuthSuccess       OutboundKind = "auth_success"
	OutboundBusLocations      OutboundKind = "busLocations"
	OutboundBusRoute          OutboundKind = "busRoute"
	OutboundBusLocationUpdate OutboundKind = "busLocationUpdate"
	OutboundStopUpdate        OutboundKind = "stopUpdate"
	OutboundNewIncident       OutboundKind = "newIncident"
	OutboundError             OutboundKind = "error"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Inbound is a decoded client message. Only the fields relevant to Type are
// populated; ParseInbound guarantees they are present and well-formed.
type Inbound struct {
	Type        InboundKind     `json:"type"`
	UserID      model.ID        `json:"userId,omitempty"`
	Role        model.Role      `json:"role,omitempty"`
	Location    *model.GeoPoint `json:"location,omitempty"`
	BusID       model.ID        `json:"busId,omitempty"`
	CurrentStop *int            `json:"currentStop,omitempty"`
}

// ParseInbound decodes and validates a raw text frame.
func ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch in.Type {
	case InboundAuth:
		if in.UserID == "" {
			return in, fmt.Errorf("%w: auth requires userId", ErrInvalidMessage)
		}
		if !in.Role.Valid() {
			return in, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, in.Role)
		}
	case InboundUpdateLocation:
		if in.Location == nil {
			return in, fmt.Errorf("%w: updateLocation requires location", ErrInvalidMessage)
		}
		if !in.Location.Valid() {
			return in, fmt.Errorf("%w: location out of range", ErrInvalidMessage)
		}
	case InboundStopUpdate:
		if in.CurrentStop == nil || *in.CurrentStop < 0 {
			return in, fmt.Errorf("%w: stopUpdate requires a non-negative currentStop", ErrInvalidMessage)
		}
	case "":
		return in, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	return in, nil
}

// Outbound is the envelope written to clients. Data carries the payload for
// snapshot and broadcast kinds; the remaining fields are used by the
// handshake and error kinds only.
type Outbound struct {
	Type    OutboundKind `json:"type"`
	Data    any          `json:"data,omitempty"`
	Status  string       `json:"status,omitempty"`
	UserID  model.ID     `json:"userId,omitempty"`
	Role    model.Role   `json:"role,omitempty"`
	Message string       `json:"message,omitempty"`
}

func connected() Outbound { return Outbound{Type: OutboundConnection, Status: "connected"} }

func authSuccess(userID model.ID, role model.Role) Outbound {
	return Outbound{Type: OutboundAuthSuccess, UserID: userID, Role: role}
}

func errorMessage(msg string) Outbound { return Outbound{Type: OutboundError, Message: msg} }
