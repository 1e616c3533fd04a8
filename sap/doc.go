// Package sap implements SAP (RFC 2974) announcement and discovery of
// AES67 streams, wrapping SDP (RFC 4566) session descriptions generated
// from and parsed back into Session values.
//
// Announcer periodically multicasts one SAP packet per advertised
// stream; Discoverer listens on the same group and maintains a
// mutex-protected map of the sessions it has seen, surfacing new or
// updated entries through a callback, the same borrowed-callback
// pattern the ptp package uses for lock transitions.
package sap
