package noise

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoOutboundSession indicates the outbound handshake was never started
	ErrNoOutboundSession = errors.New("no outbound session")
	// ErrNoInboundSession indicates the peer never initiated a handshake
	ErrNoInboundSession = errors.New("no inbound session")
)

// Channel pairs an outbound (we-initiate) and an inbound (peer-initiates)
// Session so both directions between two peers get independent encryption
// contexts. The two sessions are independent and may be in different states
// simultaneously.
type Channel struct {
	mu       sync.Mutex
	pattern  Pattern
	psk      *PresharedKey
	outbound *Session
	inbound  *Session
}

// NewChannel creates an empty channel for the given pattern. psk may be nil
// and, when set, is applied to both directions.
func NewChannel(pattern Pattern, psk *PresharedKey) *Channel {
	return &Channel{pattern: pattern, psk: psk}
}

// InitOutbound creates and starts the outbound session, returning the first
// handshake message to transmit. remoteStatic may be nil for patterns that
// do not require it. Any previous outbound session is discarded.
func (c *Channel) InitOutbound(remoteStatic []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		session *Session
		err     error
	)
	if remoteStatic != nil {
		session, err = NewSessionWithRemoteStatic(c.pattern, Initiator, remoteStatic, c.psk)
	} else {
		session, err = NewSession(c.pattern, Initiator, c.psk)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound session: %w", err)
	}

	message, err := session.ProcessHandshake(nil)
	if err != nil {
		return nil, err
	}

	if c.outbound != nil {
		c.outbound.Close()
	}
	c.outbound = session

	return message, nil
}

// HandleInbound processes a handshake message from a peer-initiated
// handshake, lazily creating the inbound session on first call. The
// returned bytes, if any, are our response to transmit.
func (c *Channel) HandleInbound(message []byte) ([]byte, error) {
	c.mu.Lock()
	if c.inbound == nil {
		session, err := NewSession(c.pattern, Responder, c.psk)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to create inbound session: %w", err)
		}
		c.inbound = session
	}
	session := c.inbound
	c.mu.Unlock()

	return session.ProcessHandshake(message)
}

// HandleOutboundResponse advances the outbound handshake with the peer's
// reply. The returned bytes, if any, are the next handshake message to
// transmit (e.g. the third XX message).
func (c *Channel) HandleOutboundResponse(message []byte) ([]byte, error) {
	session := c.Outbound()
	if session == nil {
		return nil, ErrNoOutboundSession
	}
	return session.ProcessHandshake(message)
}

// Send encrypts payload on the outbound session.
func (c *Channel) Send(payload []byte) ([]byte, error) {
	session := c.Outbound()
	if session == nil {
		return nil, ErrNoOutboundSession
	}
	return session.Encrypt(payload)
}

// Receive decrypts ciphertext on the inbound session.
func (c *Channel) Receive(ciphertext []byte) ([]byte, error) {
	session := c.Inbound()
	if session == nil {
		return nil, ErrNoInboundSession
	}
	return session.Decrypt(ciphertext)
}

// Outbound returns the outbound session, or nil if InitOutbound was never
// called.
func (c *Channel) Outbound() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound
}

// Inbound returns the inbound session, or nil if the peer never initiated.
func (c *Channel) Inbound() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound
}

// Ready reports whether the channel can send (outbound ready) and receive
// (inbound ready).
func (c *Channel) Ready() (send, receive bool) {
	c.mu.Lock()
	outbound, inbound := c.outbound, c.inbound
	c.mu.Unlock()

	if outbound != nil {
		send = outbound.IsTransportReady()
	}
	if inbound != nil {
		receive = inbound.IsTransportReady()
	}
	return send, receive
}

// Close tears down both sessions and wipes their key material.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outbound != nil {
		c.outbound.Close()
		c.outbound = nil
	}
	if c.inbound != nil {
		c.inbound.Close()
		c.inbound = nil
	}
}
