// Package session owns the client<->server message transport.
//
// Ownership boundary:
// - Message kinds (payload, control, close) over a websocket connection
// - keepalive pings and read/write deadlines
// - JSON control envelopes (advisory status, accepted, error)
// - build request/result wire helpers over frame+tlv
// - dial backoff
//
// Binary websocket frames carry exactly one RRC frame. Text frames carry one
// control envelope. The websocket close frame is the Close message.
package session
