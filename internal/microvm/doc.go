// Package microvm spawns executors inside Firecracker microVMs. Every Spawn
// boots a fresh VM from a private copy of the root filesystem, whose init is
// the sandbroker guest agent, and connects to it over vsock. Closing the
// returned link stops the VM and releases its resources, so a recycled
// executor never shares state with its predecessor.
package microvm
