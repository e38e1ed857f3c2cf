package domain

import (
	"time"
)

// RequestKind tags the variant of a service request.
type RequestKind string

const (
	KindRide      RequestKind = "RIDE"
	KindOrder     RequestKind = "ORDER"
	KindEmergency RequestKind = "EMERGENCY"
	KindMove      RequestKind = "MOVE"
)

func (k RequestKind) Valid() bool {
	switch k {
	case KindRide, KindOrder, KindEmergency, KindMove:
		return true
	}
	return false
}

// Status is a kind-specific request status. The legal values per kind live
// in the transition tables.
type Status string

const (
	// Ride
	StatusRequested       Status = "REQUESTED"
	StatusSearchingDriver Status = "SEARCHING_DRIVER"
	StatusDriverAssigned  Status = "DRIVER_ASSIGNED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"

	// Order
	StatusPlaced         Status = "PLACED"
	StatusPreparing      Status = "PREPARING"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"

	// Emergency (also uses StatusRequested)
	StatusDispatched Status = "DISPATCHED"
	StatusArrived    Status = "ARRIVED"
	StatusResolved   Status = "RESOLVED"

	// Move (also uses StatusCompleted)
	StatusScheduled Status = "SCHEDULED"
	StatusConfirmed Status = "CONFIRMED"
	StatusLoading   Status = "LOADING"
	StatusInTransit Status = "IN_TRANSIT"
	StatusUnloading Status = "UNLOADING"

	StatusCancelled Status = "CANCELLED"
)

// Request is the core's view of a ride, store order, emergency call or move
// booking. Only Status, ProviderID and GroupID are ever written by the core.
type Request struct {
	ID          string
	Kind        RequestKind
	Category    string // ride type, store, service type or move size
	RequesterID string
	ProviderID  *string
	Status      Status
	GroupID     *string // rides only
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *Request) HasProvider() bool {
	return r.ProviderID != nil && *r.ProviderID != ""
}

func (r *Request) Provider() string {
	if r.ProviderID == nil {
		return ""
	}
	return *r.ProviderID
}

func (r *Request) Group() string {
	if r.GroupID == nil {
		return ""
	}
	return *r.GroupID
}

// Clone returns a deep copy so callers never share pointer fields.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.ProviderID != nil {
		p := *r.ProviderID
		c.ProviderID = &p
	}
	if r.GroupID != nil {
		g := *r.GroupID
		c.GroupID = &g
	}
	return &c
}

type GroupStatus string

const (
	GroupSearchingDriver GroupStatus = "SEARCHING_DRIVER"
	GroupDriverAssigned  GroupStatus = "DRIVER_ASSIGNED"
	GroupInProgress      GroupStatus = "IN_PROGRESS"
	GroupCompleted       GroupStatus = "COMPLETED"
	GroupClosed          GroupStatus = "CLOSED"
)

// SharedGroup is a capacity-bounded set of rides routed together.
// Members keeps join order; Occupancy always equals len(Members). Version
// counts committed writes and guards UpdateGroup.
type SharedGroup struct {
	ID          string
	MaxCapacity int
	Occupancy   int
	Status      GroupStatus
	Members     []string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (g *SharedGroup) Clone() *SharedGroup {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = append([]string(nil), g.Members...)
	return &c
}

// Inert reports whether the group lost its last member. Inert groups are
// never rejoined.
func (g *SharedGroup) Inert() bool {
	return g.Occupancy == 0
}

func (g *SharedGroup) HasMember(rideID string) bool {
	for _, m := range g.Members {
		if m == rideID {
			return true
		}
	}
	return false
}

// GroupPatch carries the mutable fields of a group for UpdateGroup.
// Version is the version the patch was computed from.
type GroupPatch struct {
	Version   int64
	Occupancy *int
	Status    *GroupStatus
	Members   []string
}

// Apply copies the set fields of p onto g and advances its version.
func (p GroupPatch) Apply(g *SharedGroup) {
	if p.Occupancy != nil {
		g.Occupancy = *p.Occupancy
	}
	if p.Status != nil {
		g.Status = *p.Status
	}
	if p.Members != nil {
		g.Members = append([]string(nil), p.Members...)
	}
	g.Version = p.Version + 1
}

// ProviderCapability approves a provider for one category of one kind.
type ProviderCapability struct {
	ProviderID string
	Kind       RequestKind
	Category   string
}

type Location struct {
	LocationID string  `json:"locationId,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// ProviderLocation is the last known position of a provider.
type ProviderLocation struct {
	ProviderID string
	RideID     string
	Location   Location
	UpdatedAt  time.Time
}
