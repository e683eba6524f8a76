// Package packp implements the pack-protocol message types layered on top
// of pkt-line framing: ref advertisements and the report-status push
// reply. ACK/NAK responses are parsed by the transports themselves.
package packp
