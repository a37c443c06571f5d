package fabric

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a context, node, executor or
// handle that has already been closed.
var ErrClosed = errors.New("fabric: closed")

// ErrNoExecutor is returned when a node creates a publisher before its
// context has an executor to drain it.
var ErrNoExecutor = errors.New("fabric: context has no executor")

// Middleware creates domain-scoped contexts. Implementations must be safe
// for concurrent use.
type Middleware interface {
	// Name identifies the backend in logs ("loopback", "mqtt", "nats").
	Name() string
	// NewContext connects to the fabric for domainID.
	NewContext(ctx context.Context, domainID int) (Context, error)
}

// Context is one connection to the fabric, scoped to a domain id.
type Context interface {
	DomainID() int
	NewNode(name string) (Node, error)
	// NewExecutor creates the context's executor. A context owns at most
	// one executor; handles created by its nodes are drained through it.
	NewExecutor() (*Executor, error)
	Close() error
}

// Node is a named participant in the messaging graph.
type Node interface {
	Name() string
	// CreatePublisher advertises a publisher for topic carrying messages
	// of typeName and returns its handle.
	CreatePublisher(topic, typeName string, qos QoS) (Handle, error)
	Close() error
}

// Handle is a bound publisher endpoint.
type Handle interface {
	Topic() string
	TypeName() string
	// Publish enqueues an encoded payload. It never blocks on the network.
	Publish(payload []byte) error
	Close() error
}

// Reliability selects the delivery guarantee of a publisher.
type Reliability int

const (
	// Reliable asks the transport to acknowledge delivery.
	Reliable Reliability = iota
	// BestEffort sends without acknowledgement.
	BestEffort
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case BestEffort:
		return "best_effort"
	default:
		return fmt.Sprintf("reliability(%d)", int(r))
	}
}

// ParseReliability converts a config string to a [Reliability]. The empty
// string selects [Reliable].
func ParseReliability(s string) (Reliability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reliable":
		return Reliable, nil
	case "best_effort", "best-effort", "besteffort":
		return BestEffort, nil
	default:
		return Reliable, fmt.Errorf("unknown reliability %q (valid: reliable, best_effort)", s)
	}
}

// QoS is the delivery policy of a publisher. Depth is the keep-last
// history: only the newest Depth payloads are retained while the
// executor catches up.
type QoS struct {
	Reliability Reliability `json:"reliability"`
	Depth       int         `json:"depth"`
}

// DefaultQoS is reliable, keep-last 1.
func DefaultQoS() QoS {
	return QoS{Reliability: Reliable, Depth: 1}
}

func (q QoS) normalized() QoS {
	if q.Depth < 1 {
		q.Depth = 1
	}
	return q
}
