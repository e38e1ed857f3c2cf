package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusRequested, StatusSearchingDriver, StatusDriverAssigned, StatusInProgress, StatusCompleted,
	StatusPlaced, StatusPreparing, StatusOutForDelivery, StatusDelivered,
	StatusDispatched, StatusArrived, StatusResolved,
	StatusScheduled, StatusConfirmed, StatusLoading, StatusInTransit, StatusUnloading,
	StatusCancelled,
}

func TestCancellationGuards(t *testing.T) {
	tests := []struct {
		kind          RequestKind
		cancellable   []Status
		uncancellable []Status
	}{
		{
			kind:          KindRide,
			cancellable:   []Status{StatusRequested, StatusSearchingDriver, StatusDriverAssigned},
			uncancellable: []Status{StatusInProgress, StatusCompleted, StatusCancelled},
		},
		{
			kind:          KindOrder,
			cancellable:   []Status{StatusPlaced, StatusPreparing},
			uncancellable: []Status{StatusOutForDelivery, StatusDelivered, StatusCancelled},
		},
		{
			kind:          KindEmergency,
			cancellable:   []Status{StatusRequested},
			uncancellable: []Status{StatusDispatched, StatusArrived, StatusResolved, StatusCancelled},
		},
		{
			kind:          KindMove,
			cancellable:   []Status{StatusScheduled, StatusConfirmed},
			uncancellable: []Status{StatusLoading, StatusInTransit, StatusUnloading, StatusCompleted, StatusCancelled},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			for _, s := range tt.cancellable {
				assert.True(t, IsCancellable(tt.kind, s), "%s should be cancellable", s)
				a, _ := EdgeActor(tt.kind, s, StatusCancelled)
				assert.Equal(t, ActorRequester, a)
			}
			for _, s := range tt.uncancellable {
				assert.False(t, IsCancellable(tt.kind, s), "%s should not be cancellable", s)
			}
		})
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, kind := range []RequestKind{KindRide, KindOrder, KindEmergency, KindMove} {
		for _, from := range allStatuses {
			if !IsTerminal(kind, from) {
				continue
			}
			for _, to := range allStatuses {
				assert.False(t, CanTransition(kind, from, to), "%s: %s -> %s", kind, from, to)
			}
		}
	}
}

func TestHappyPaths(t *testing.T) {
	paths := map[RequestKind][]Status{
		KindRide:      {StatusRequested, StatusSearchingDriver, StatusDriverAssigned, StatusInProgress, StatusCompleted},
		KindOrder:     {StatusPlaced, StatusPreparing, StatusOutForDelivery, StatusDelivered},
		KindEmergency: {StatusRequested, StatusDispatched, StatusArrived, StatusResolved},
		KindMove:      {StatusScheduled, StatusConfirmed, StatusLoading, StatusInTransit, StatusUnloading, StatusCompleted},
	}
	for kind, path := range paths {
		assert.Equal(t, path[0], InitialStatus(kind))
		for i := 1; i < len(path); i++ {
			assert.True(t, CanTransition(kind, path[i-1], path[i]), "%s: %s -> %s", kind, path[i-1], path[i])
		}
		assert.True(t, IsTerminal(kind, path[len(path)-1]))
		// no skipping ahead
		if len(path) > 2 {
			assert.False(t, CanTransition(kind, path[0], path[len(path)-1]))
		}
	}
}

func TestUnknownKindHasNoEdges(t *testing.T) {
	_, ok := EdgeActor(RequestKind("BOAT"), StatusRequested, StatusCancelled)
	assert.False(t, ok)
	assert.False(t, RequestKind("BOAT").Valid())
	assert.Empty(t, OpenStatuses(RequestKind("BOAT")))
}

func TestOpenAndClaimStatuses(t *testing.T) {
	assert.Equal(t, []Status{StatusRequested, StatusSearchingDriver}, OpenStatuses(KindRide))
	assert.True(t, IsOpen(KindRide, StatusSearchingDriver))
	assert.False(t, IsOpen(KindRide, StatusDriverAssigned))

	s, ok := ClaimStatus(KindRide)
	assert.True(t, ok)
	assert.Equal(t, StatusDriverAssigned, s)

	_, ok = ClaimStatus(KindOrder)
	assert.False(t, ok)

	// every claim target is reachable from every open status
	for _, kind := range []RequestKind{KindRide, KindEmergency, KindMove} {
		to, _ := ClaimStatus(kind)
		for _, from := range OpenStatuses(kind) {
			a, ok := EdgeActor(kind, from, to)
			assert.True(t, ok, "%s: %s -> %s", kind, from, to)
			assert.Equal(t, ActorProvider, a)
		}
	}
}

func TestAggregateGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     GroupStatus
	}{
		{"empty", nil, GroupClosed},
		{"all searching", []Status{StatusRequested, StatusSearchingDriver}, GroupSearchingDriver},
		{"least progressed wins", []Status{StatusInProgress, StatusDriverAssigned}, GroupDriverAssigned},
		{"finished members ignored", []Status{StatusCompleted, StatusInProgress}, GroupInProgress},
		{"all finished", []Status{StatusCompleted, StatusCancelled}, GroupCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateGroupStatus(tt.statuses))
		})
	}
}
