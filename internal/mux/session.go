package mux

import "jsonrpc-relay/daemon/internal/protocol"

// Session is one fan-out subscription: a batch of correlation ids sharing a
// single sink. Each resolved member surfaces on Events as the raw frame
// bytes; the channel closes the moment the last member resolves, or when the
// sink disconnects and the router cancels the remainder.
//
// Mutable fields are guarded by the owning Router's mutex; callers only read
// ID and drain Events.
type Session struct {
	ID string

	remaining map[int64]struct{}
	requests  []protocol.Request
	events    chan []byte
	closed    bool
}

// Events yields one raw frame per resolved member, in arrival order.
func (s *Session) Events() <-chan []byte { return s.events }

// Requests returns the originally admitted batch, in submission order.
func (s *Session) Requests() []protocol.Request { return s.requests }

// Size reports how many members the batch was admitted with.
func (s *Session) Size() int { return len(s.requests) }
