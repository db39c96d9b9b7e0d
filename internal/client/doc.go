// Package client runs one remote build: it snapshots a project directory,
// hands it to an rrcd server over a websocket session, and unpacks the
// returned executables.
package client
