// Package state holds the daemon's shared meeting state. The Store publishes
// immutable Snapshots; every change installs a fully built replacement so
// concurrent readers never observe a partial update.
package state
