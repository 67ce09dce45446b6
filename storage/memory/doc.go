// Package memory implements storage.Backend with process-local maps.
//
// Records are lost on restart and are not shared between replicas; use the
// redis or postgres backend when more than one server instance runs.
package memory
