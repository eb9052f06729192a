// Package rendezvous lets independently started ranks discover each other.
//
// A Coordinator is served over HTTP by the launcher. Every rank connects with
// a Client, joins, waits until the whole world has joined and receives its
// rank and the world size. Finalize is a barrier released once every rank has
// finalized. The channel carries membership events only.
package rendezvous

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged between ranks and the coordinator.
const (
	EventJoin     = "join"
	EventWorld    = "world"
	EventRejected = "rejected"
	EventFinalize = "finalize"
	EventReleased = "released"
)

const (
	socketPath = "/socket.io/"
	healthPath = "/health"
)

var (
	// ErrRejected is returned by Client.Join when the coordinator refuses the rank.
	ErrRejected = errors.New("rendezvous: join rejected")
	// ErrRankFailed is returned by Coordinator.Wait when a rank left before finalizing.
	ErrRankFailed = errors.New("rendezvous: rank failed")
)

// JoinRequest is sent by a rank when it connects. A negative RequestedRank
// lets the coordinator pick one.
type JoinRequest struct {
	RequestedRank int    `json:"requested_rank"`
	Processor     string `json:"processor"`
	PID           int    `json:"pid"`
}

// Assignment is the rank's place in the world.
type Assignment struct {
	Rank int `json:"rank"`
	Size int `json:"size"`
}

// Rejection explains why a join was refused.
type Rejection struct {
	Reason string `json:"reason"`
}

// Health is the body served on the health endpoint.
type Health struct {
	Status string `json:"status"`
	Size   int    `json:"size"`
	Joined int    `json:"joined"`
}

// decode converts the first event argument, as delivered by socket.io after
// JSON decoding, into v.
func decode(args []any, v any) error {
	if len(args) == 0 {
		return errors.New("rendezvous: event has no payload")
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return fmt.Errorf("rendezvous: failed to re-encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rendezvous: malformed payload: %w", err)
	}
	return nil
}
