// Package friends tracks friend-request negotiation between two identities.
//
// Each unordered pair of identities has at most one edge. An edge starts when
// one side sends a request and ends in either accepted or rejected:
//
//	none ──request(a)──▶ requested(a) ──accept──▶ accepted
//	                          │
//	                          └────reject──▶ rejected ──request──▶ requested
//
// Edges live only as long as the process.
package friends

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNoPendingRequest is returned when accepting or rejecting an edge that
	// has no request pending from the named requester.
	ErrNoPendingRequest = errors.New("no pending friend request")
	// ErrAlreadyFriends is returned when requesting an edge that is already accepted.
	ErrAlreadyFriends = errors.New("already friends")
	// ErrSelfRequest is returned when an identity tries to befriend itself.
	ErrSelfRequest = errors.New("cannot send a friend request to yourself")
	// ErrEmptyIdentity is returned when either side of an edge is blank.
	ErrEmptyIdentity = errors.New("identity is empty")
)

// State is the state of a friend edge
type State uint8

const (
	StateNone State = iota
	StateRequested
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRequested:
		return "requested"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Pair is an unordered pair of identities, normalized so that A <= B
type Pair struct {
	A string
	B string
}

// NewPair normalizes two identities into a Pair
func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Edge is the relationship state of one pair
type Edge struct {
	Pair        Pair
	State       State
	RequestedBy string // identity that sent the pending or last request
	UpdatedAt   time.Time
}

// Transition describes the outcome of a Request call
type Transition struct {
	Edge      Edge
	Previous  State
	Duplicate bool // the same requester already had a request pending
}

// Graph holds every known edge. Safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	edges map[Pair]*Edge
	now   func() time.Time
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[Pair]*Edge),
		now:   time.Now,
	}
}

// Request records a friend request from -> to.
// A request in the opposite direction of a pending one takes the edge over;
// a rejected edge can be requested again.
func (g *Graph) Request(from, to string) (Transition, error) {
	if from == "" || to == "" {
		return Transition{}, ErrEmptyIdentity
	}
	if from == to {
		return Transition{}, ErrSelfRequest
	}

	pair := NewPair(from, to)

	g.mu.Lock()
	defer g.mu.Unlock()

	edge, ok := g.edges[pair]
	if !ok {
		edge = &Edge{Pair: pair}
		g.edges[pair] = edge
	}

	tr := Transition{Previous: edge.State}
	switch edge.State {
	case StateAccepted:
		tr.Edge = *edge
		return tr, ErrAlreadyFriends
	case StateRequested:
		tr.Duplicate = edge.RequestedBy == from
	}

	edge.State = StateRequested
	edge.RequestedBy = from
	edge.UpdatedAt = g.now()
	tr.Edge = *edge
	return tr, nil
}

// Accept moves a pending request from requester to accepted
func (g *Graph) Accept(requester, accepter string) (Edge, error) {
	return g.resolve(requester, accepter, StateAccepted)
}

// Reject moves a pending request from requester to rejected
func (g *Graph) Reject(requester, rejecter string) (Edge, error) {
	return g.resolve(requester, rejecter, StateRejected)
}

func (g *Graph) resolve(requester, responder string, next State) (Edge, error) {
	if requester == "" || responder == "" {
		return Edge{}, ErrEmptyIdentity
	}
	if requester == responder {
		return Edge{}, ErrSelfRequest
	}

	pair := NewPair(requester, responder)

	g.mu.Lock()
	defer g.mu.Unlock()

	edge, ok := g.edges[pair]
	if !ok || edge.State != StateRequested || edge.RequestedBy != requester {
		return Edge{}, ErrNoPendingRequest
	}

	edge.State = next
	edge.UpdatedAt = g.now()
	return *edge, nil
}

// State returns the edge between a and b (StateNone if unknown)
func (g *Graph) State(a, b string) Edge {
	pair := NewPair(a, b)

	g.mu.Lock()
	defer g.mu.Unlock()

	if edge, ok := g.edges[pair]; ok {
		return *edge
	}
	return Edge{Pair: pair, State: StateNone}
}

// Pending returns the sorted identities with a request pending towards identity
func (g *Graph) Pending(identity string) []string {
	g.mu.Lock()
	var requesters []string
	for pair, edge := range g.edges {
		if edge.State != StateRequested || edge.RequestedBy == identity {
			continue
		}
		if pair.A == identity || pair.B == identity {
			requesters = append(requesters, edge.RequestedBy)
		}
	}
	g.mu.Unlock()

	sort.Strings(requesters)
	return requesters
}

// Len returns the number of known edges
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Clear forgets every edge
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[Pair]*Edge)
}
