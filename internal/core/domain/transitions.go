package domain

// Actor is the party allowed to drive a transition edge.
type Actor int

const (
	ActorRequester Actor = iota + 1
	ActorProvider
)

func (a Actor) String() string {
	switch a {
	case ActorRequester:
		return "requester"
	case ActorProvider:
		return "provider"
	}
	return "unknown"
}

type edge struct {
	from Status
	to   Status
}

type kindRules struct {
	initial  Status
	edges    map[edge]Actor
	terminal map[Status]bool
	open     []Status
	// claimTo is the status a successful claim moves to; empty keeps the
	// current status.
	claimTo Status
}

var rules = map[RequestKind]kindRules{
	KindRide: {
		initial: StatusRequested,
		edges: map[edge]Actor{
			{StatusRequested, StatusSearchingDriver}:      ActorRequester,
			{StatusRequested, StatusDriverAssigned}:       ActorProvider,
			{StatusSearchingDriver, StatusDriverAssigned}: ActorProvider,
			{StatusDriverAssigned, StatusInProgress}:      ActorProvider,
			{StatusInProgress, StatusCompleted}:           ActorProvider,
			{StatusRequested, StatusCancelled}:            ActorRequester,
			{StatusSearchingDriver, StatusCancelled}:      ActorRequester,
			{StatusDriverAssigned, StatusCancelled}:       ActorRequester,
		},
		terminal: map[Status]bool{StatusCompleted: true, StatusCancelled: true},
		open:     []Status{StatusRequested, StatusSearchingDriver},
		claimTo:  StatusDriverAssigned,
	},
	KindOrder: {
		initial: StatusPlaced,
		edges: map[edge]Actor{
			{StatusPlaced, StatusPreparing}:         ActorProvider,
			{StatusPreparing, StatusOutForDelivery}: ActorProvider,
			{StatusOutForDelivery, StatusDelivered}: ActorProvider,
			{StatusPlaced, StatusCancelled}:         ActorRequester,
			{StatusPreparing, StatusCancelled}:      ActorRequester,
		},
		terminal: map[Status]bool{StatusDelivered: true, StatusCancelled: true},
		open:     []Status{StatusPlaced, StatusPreparing},
	},
	KindEmergency: {
		initial: StatusRequested,
		edges: map[edge]Actor{
			{StatusRequested, StatusDispatched}: ActorProvider,
			{StatusDispatched, StatusArrived}:   ActorProvider,
			{StatusArrived, StatusResolved}:     ActorProvider,
			{StatusRequested, StatusCancelled}:  ActorRequester,
		},
		terminal: map[Status]bool{StatusResolved: true, StatusCancelled: true},
		open:     []Status{StatusRequested},
		claimTo:  StatusDispatched,
	},
	KindMove: {
		initial: StatusScheduled,
		edges: map[edge]Actor{
			{StatusScheduled, StatusConfirmed}: ActorProvider,
			{StatusConfirmed, StatusLoading}:   ActorProvider,
			{StatusLoading, StatusInTransit}:   ActorProvider,
			{StatusInTransit, StatusUnloading}: ActorProvider,
			{StatusUnloading, StatusCompleted}: ActorProvider,
			{StatusScheduled, StatusCancelled}: ActorRequester,
			{StatusConfirmed, StatusCancelled}: ActorRequester,
		},
		terminal: map[Status]bool{StatusCompleted: true, StatusCancelled: true},
		open:     []Status{StatusScheduled},
		claimTo:  StatusConfirmed,
	},
}

// InitialStatus is the status a new request of kind starts in.
func InitialStatus(kind RequestKind) Status {
	return rules[kind].initial
}

// EdgeActor returns who may drive from → to for kind, and false when the edge
// is not in the kind's table.
func EdgeActor(kind RequestKind, from, to Status) (Actor, bool) {
	r, ok := rules[kind]
	if !ok {
		return 0, false
	}
	a, ok := r.edges[edge{from, to}]
	return a, ok
}

func CanTransition(kind RequestKind, from, to Status) bool {
	_, ok := EdgeActor(kind, from, to)
	return ok
}

func IsTerminal(kind RequestKind, s Status) bool {
	return rules[kind].terminal[s]
}

// IsCancellable reports whether a request of kind in status s can still be
// cancelled.
func IsCancellable(kind RequestKind, s Status) bool {
	return CanTransition(kind, s, StatusCancelled)
}

// OpenStatuses lists the statuses in which a request of kind can be claimed.
func OpenStatuses(kind RequestKind) []Status {
	return append([]Status(nil), rules[kind].open...)
}

func IsOpen(kind RequestKind, s Status) bool {
	for _, o := range rules[kind].open {
		if o == s {
			return true
		}
	}
	return false
}

// ClaimStatus is the status a request moves to once a provider claims it.
// The second result is false when claiming leaves the status unchanged.
func ClaimStatus(kind RequestKind) (Status, bool) {
	s := rules[kind].claimTo
	return s, s != ""
}

// AggregateGroupStatus mirrors member ride statuses onto the group: the
// least progressed live member wins; a group whose members all finished is
// completed; an empty group is closed.
func AggregateGroupStatus(statuses []Status) GroupStatus {
	if len(statuses) == 0 {
		return GroupClosed
	}
	rank := map[Status]int{
		StatusRequested:       0,
		StatusSearchingDriver: 0,
		StatusDriverAssigned:  1,
		StatusInProgress:      2,
	}
	names := []GroupStatus{GroupSearchingDriver, GroupDriverAssigned, GroupInProgress}
	best := -1
	for _, s := range statuses {
		r, live := rank[s]
		if !live {
			continue
		}
		if best == -1 || r < best {
			best = r
		}
	}
	if best == -1 {
		return GroupCompleted
	}
	return names[best]
}
