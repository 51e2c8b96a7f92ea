// Package memory provides the stable-indexed storage used by the order
// book. Orders live in a Slab and refer to each other by Handle, so price
// levels can link their queues without pointer cycles and freed slots are
// reused instead of reallocated.
package memory
