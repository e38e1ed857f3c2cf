package domain

import (
	"encoding/json"
)

// Inbound event types.
const (
	TypeAuthenticate      = "authenticate"
	TypeLocationUpdate    = "location.update"
	TypeStatusUpdate      = "status.update"
	TypeEmergencyRaise    = "emergency.raise"
	TypeRequestClaim      = "request.claim"
	TypeRideShare         = "ride.share"
	TypeRequestsAvailable = "requests.available"
)

// Outbound event types.
const (
	TypeRideDriverLocation    = "ride.driverLocation"
	TypeRideStatusUpdate      = "ride.statusUpdate"
	TypeOrderStatusUpdate     = "order.statusUpdate"
	TypeMoveStatusUpdate      = "move.statusUpdate"
	TypeEmergencyStatusUpdate = "emergency.statusUpdate"
	TypeEmergencyNew          = "emergency.new"
	TypeAuthenticated         = "authenticated"
	TypeRideShared            = "ride.shared"
	TypeRequestClaimed        = "request.claimed"
	TypeError                 = "error"
)

// StatusUpdateType names the outbound status event for kind.
func StatusUpdateType(kind RequestKind) string {
	switch kind {
	case KindRide:
		return TypeRideStatusUpdate
	case KindOrder:
		return TypeOrderStatusUpdate
	case KindMove:
		return TypeMoveStatusUpdate
	case KindEmergency:
		return TypeEmergencyStatusUpdate
	}
	return ""
}

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame before encoding.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type LocationUpdatePayload struct {
	ProviderID string   `json:"providerId"`
	RideID     string   `json:"rideId,omitempty"`
	Location   Location `json:"location"`
}

type StatusUpdatePayload struct {
	RequestID string `json:"requestId"`
	NewStatus Status `json:"newStatus"`
}

type EmergencyRaisePayload struct {
	ServiceType string    `json:"serviceType"`
	LocationID  string    `json:"locationId"`
	Description string    `json:"description"`
	Location    *Location `json:"location,omitempty"`
}

type ClaimPayload struct {
	RequestID string `json:"requestId"`
}

type RideSharePayload struct {
	RideID      string `json:"rideId"`
	GroupID     string `json:"groupId,omitempty"`
	MaxCapacity int    `json:"maxCapacity"`
}

type DriverLocationEvent struct {
	RideID   string   `json:"rideId"`
	DriverID string   `json:"driverId"`
	Location Location `json:"location"`
}

type RideStatusEvent struct {
	RideID string `json:"rideId"`
	Status Status `json:"status"`
}

type OrderStatusEvent struct {
	OrderID string `json:"orderId"`
	Status  Status `json:"status"`
}

type MoveStatusEvent struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
}

type EmergencyStatusEvent struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
}

type EmergencyNewEvent struct {
	RequestID   string    `json:"requestId"`
	UserID      string    `json:"userId"`
	ServiceType string    `json:"serviceType"`
	LocationID  string    `json:"locationId"`
	Location    *Location `json:"location,omitempty"`
	Description string    `json:"description"`
}

type AuthenticatedEvent struct {
	UserID string `json:"userId"`
}

type RideSharedEvent struct {
	RideID      string   `json:"rideId"`
	GroupID     string   `json:"groupId"`
	Occupancy   int      `json:"occupancy"`
	MaxCapacity int      `json:"maxCapacity"`
	Members     []string `json:"members"`
}

type RequestView struct {
	ID          string      `json:"id"`
	Kind        RequestKind `json:"kind"`
	Category    string      `json:"category"`
	RequesterID string      `json:"requesterId"`
	ProviderID  string      `json:"providerId,omitempty"`
	Status      Status      `json:"status"`
	GroupID     string      `json:"groupId,omitempty"`
}

func NewRequestView(r *Request) RequestView {
	return RequestView{
		ID:          r.ID,
		Kind:        r.Kind,
		Category:    r.Category,
		RequesterID: r.RequesterID,
		ProviderID:  r.Provider(),
		Status:      r.Status,
		GroupID:     r.Group(),
	}
}

// StatusEvent builds the kind-specific status update for r.
func StatusEvent(r *Request) Event {
	var data any
	switch r.Kind {
	case KindRide:
		data = RideStatusEvent{RideID: r.ID, Status: r.Status}
	case KindOrder:
		data = OrderStatusEvent{OrderID: r.ID, Status: r.Status}
	case KindMove:
		data = MoveStatusEvent{RequestID: r.ID, Status: r.Status}
	case KindEmergency:
		data = EmergencyStatusEvent{RequestID: r.ID, Status: r.Status}
	}
	return Event{Type: StatusUpdateType(r.Kind), Data: data}
}

// ErrorMessage is the WS-safe error frame, sent to the initiating
// connection only.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

func NewErrorMessage(ref string, err error) ErrorMessage {
	return ErrorMessage{
		Type:    TypeError,
		Code:    ErrorCode(err),
		Message: err.Error(),
		Ref:     ref,
	}
}
