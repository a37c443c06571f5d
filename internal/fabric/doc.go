// Package fabric defines the messaging middleware boundary used by the
// sensor bridge: a domain-scoped [Context] that creates [Node] values and
// a single [Executor], nodes that create publisher [Handle] values, and
// the executor that drains queued payloads to the transport.
//
// Backends live in sub-packages (mqttfabric, natsfabric). [Loopback] is an
// in-process backend used for local runs and tests; it also counts every
// create and close so callers can assert that teardown is balanced.
//
// Every Publish on a [Handle] is a non-blocking enqueue into a keep-last
// outbox sized by [QoS.Depth]. The executor, serviced by exactly one
// goroutine calling [Executor.Spin], performs the actual transport send.
package fabric
