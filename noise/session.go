// Package noise implements the Noise Protocol Framework sessions used to
// secure BitChat traffic over unauthenticated transports. It supports the
// XX, IK, NK and KK handshake patterns with optional pre-shared keys, and
// wraps the established cipher states with message counting and automatic
// rekeying.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/bitchat/crypto"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrSessionNotReady indicates a transport operation was attempted
	// before the session reached transport state
	ErrSessionNotReady = errors.New("session not in transport state")
)

// Pattern identifies a Noise handshake pattern.
type Pattern uint8

const (
	// PatternXX exchanges both static keys during the handshake; neither
	// side needs prior knowledge of the other. First-contact pattern.
	PatternXX Pattern = iota
	// PatternIK requires the initiator to know the responder's static key.
	PatternIK
	// PatternNK authenticates only the responder; the initiator stays
	// anonymous.
	PatternNK
	// PatternKK requires both sides to know each other's static keys.
	PatternKK
)

// String returns the canonical two-letter pattern name.
func (p Pattern) String() string {
	switch p {
	case PatternXX:
		return "XX"
	case PatternIK:
		return "IK"
	case PatternNK:
		return "NK"
	case PatternKK:
		return "KK"
	default:
		return "unknown"
	}
}

// ProtocolName returns the full Noise protocol name negotiated on the wire.
// It must match byte-for-byte between implementations for interoperability.
func (p Pattern) ProtocolName() string {
	return fmt.Sprintf("Noise_%s_25519_ChaChaPoly_BLAKE2s", p)
}

func (p Pattern) handshakePattern() (noise.HandshakePattern, error) {
	switch p {
	case PatternXX:
		return noise.HandshakeXX, nil
	case PatternIK:
		return noise.HandshakeIK, nil
	case PatternNK:
		return noise.HandshakeNK, nil
	case PatternKK:
		return noise.HandshakeKK, nil
	default:
		return noise.HandshakePattern{}, fmt.Errorf("unknown handshake pattern: %d", p)
	}
}

// Role defines whether we initiate or respond to a handshake.
type Role uint8

const (
	// Initiator starts the handshake
	Initiator Role = iota
	// Responder answers a handshake started by the peer
	Responder
)

// String returns a readable role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

const (
	// DefaultMaxMessages is the number of messages a session encrypts
	// before an automatic rekey is triggered.
	DefaultMaxMessages = 100000
	// SessionIDSize is the length of the derived session identifier.
	SessionIDSize = 32
	// TagSize is the length of the authentication tag appended to every
	// ciphertext.
	TagSize = 16
)

// PresharedKey optionally mixes a 32-byte pre-shared key into the handshake
// at the given placement, per the Noise psk modifier rules.
type PresharedKey struct {
	Key       []byte
	Placement int
}

// SessionExport is a snapshot of an established session for out-of-band
// resumption bookkeeping.
type SessionExport struct {
	Pattern      Pattern
	Role         Role
	RemoteStatic []byte
	SessionID    [SessionIDSize]byte
	SentMessages uint64
	RecvMessages uint64
}

// Session is a per-peer Noise handshake and encryption state machine. It
// starts in handshake state and transitions to transport state once the
// pattern's message sequence completes; there is no path back except by
// constructing a new session.
//
// Encrypt and Decrypt serialize internally; the underlying cipher state is
// not safe for concurrent stepping.
type Session struct {
	mu sync.Mutex

	pattern Pattern
	role    Role

	localStatic  noise.DHKey
	remoteStatic []byte

	handshake  *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool

	sessionID   [SessionIDSize]byte
	sendCount   uint64
	recvCount   uint64
	maxMessages uint64
}

// NewSession creates a session with a freshly generated local static keypair.
// psk may be nil. Patterns that require prior knowledge of the remote static
// key (IK and KK as initiator, KK as responder) must use
// NewSessionWithRemoteStatic instead.
func NewSession(pattern Pattern, role Role, psk *PresharedKey) (*Session, error) {
	return newSession(pattern, role, nil, nil, psk)
}

// NewSessionWithRemoteStatic creates a session pre-seeded with the remote
// party's static public key. Required for IK (initiator) and KK; optional at
// construction for XX and NK.
func NewSessionWithRemoteStatic(pattern Pattern, role Role, remoteStatic []byte, psk *PresharedKey) (*Session, error) {
	if len(remoteStatic) != crypto.KeySize {
		return nil, fmt.Errorf("remote static key must be %d bytes, got %d", crypto.KeySize, len(remoteStatic))
	}
	return newSession(pattern, role, nil, remoteStatic, psk)
}

// NewSessionWithKeypair creates a session from an existing local static
// private key instead of generating one. Needed for KK, where both static
// public keys must be exchanged before either session is built, and for any
// deployment with a pinned long-term identity.
func NewSessionWithKeypair(pattern Pattern, role Role, localPrivate [crypto.KeySize]byte, remoteStatic []byte, psk *PresharedKey) (*Session, error) {
	if remoteStatic != nil && len(remoteStatic) != crypto.KeySize {
		return nil, fmt.Errorf("remote static key must be %d bytes, got %d", crypto.KeySize, len(remoteStatic))
	}
	keys, err := crypto.FromSecretKey(localPrivate)
	if err != nil {
		return nil, fmt.Errorf("invalid local private key: %w", err)
	}
	return newSession(pattern, role, keys, remoteStatic, psk)
}

func newSession(pattern Pattern, role Role, localKeys *crypto.KeyPair, remoteStatic []byte, psk *PresharedKey) (*Session, error) {
	hsPattern, err := pattern.handshakePattern()
	if err != nil {
		return nil, err
	}

	if err := validateKeyRequirements(pattern, role, remoteStatic); err != nil {
		return nil, err
	}

	keys := localKeys
	if keys == nil {
		keys, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate static keypair: %w", err)
		}
	}

	staticKey := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(staticKey.Private, keys.Private[:])
	copy(staticKey.Public, keys.Public[:])
	crypto.WipeKeyPair(keys)

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       hsPattern,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if remoteStatic != nil {
		config.PeerStatic = make([]byte, crypto.KeySize)
		copy(config.PeerStatic, remoteStatic)
	}

	if psk != nil {
		if len(psk.Key) != 32 {
			return nil, fmt.Errorf("pre-shared key must be 32 bytes, got %d", len(psk.Key))
		}
		config.PresharedKey = psk.Key
		config.PresharedKeyPlacement = psk.Placement
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	s := &Session{
		pattern:     pattern,
		role:        role,
		localStatic: staticKey,
		handshake:   hs,
		maxMessages: DefaultMaxMessages,
	}
	if remoteStatic != nil {
		s.remoteStatic = make([]byte, crypto.KeySize)
		copy(s.remoteStatic, remoteStatic)
	}

	return s, nil
}

// validateKeyRequirements enforces the per-pattern static key knowledge
// rules before handing the configuration to the handshake builder.
func validateKeyRequirements(pattern Pattern, role Role, remoteStatic []byte) error {
	switch pattern {
	case PatternIK:
		if role == Initiator && remoteStatic == nil {
			return fmt.Errorf("pattern IK requires the initiator to know the responder's static key")
		}
	case PatternKK:
		if remoteStatic == nil {
			return fmt.Errorf("pattern KK requires both sides to know each other's static keys")
		}
	case PatternNK:
		if role == Initiator && remoteStatic == nil {
			return fmt.Errorf("pattern NK requires the initiator to know the responder's static key")
		}
	}
	return nil
}

// ProcessHandshake advances the handshake one step. Empty input means
// "produce our next outbound handshake message"; non-empty input consumes
// the peer's message and, when the pattern calls for it, returns our
// response. A nil return with nil error means no outbound message is due.
//
// On failure the session remains in handshake state; callers must treat the
// attempt as dead and construct a fresh session to retry.
func (s *Session) ProcessHandshake(input []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.complete {
		return nil, ErrHandshakeComplete
	}

	if len(input) == 0 {
		return s.writeHandshakeMessage()
	}

	_, sendCS, recvCS, err := s.handshake.ReadMessage(nil, input)
	if err != nil {
		return nil, fmt.Errorf("%s handshake read failed: %w", s.pattern, err)
	}

	if sendCS != nil && recvCS != nil {
		s.finishHandshake(sendCS, recvCS)
		return nil, nil
	}

	// The peer's message consumed; emit our response if it is our turn.
	if s.ourTurnToWrite() {
		return s.writeHandshakeMessage()
	}

	return nil, nil
}

// writeHandshakeMessage emits the next outbound handshake message. Callers
// must hold s.mu.
func (s *Session) writeHandshakeMessage() ([]byte, error) {
	message, sendCS, recvCS, err := s.handshake.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s handshake write failed: %w", s.pattern, err)
	}

	if sendCS != nil && recvCS != nil {
		s.finishHandshake(sendCS, recvCS)
	}

	return message, nil
}

// ourTurnToWrite reports whether the next handshake message is ours to send.
// Message indices alternate starting with the initiator.
func (s *Session) ourTurnToWrite() bool {
	initiatorWrites := s.handshake.MessageIndex()%2 == 0
	return initiatorWrites == (s.role == Initiator)
}

// finishHandshake transitions the session into transport state. Callers must
// hold s.mu.
func (s *Session) finishHandshake(sendCS, recvCS *noise.CipherState) {
	// The session id is the handshake transcript hash, truncated or
	// zero-padded to 32 bytes. Both sides derive the same value.
	binding := s.handshake.ChannelBinding()
	copy(s.sessionID[:], binding)

	// XX learns the remote static key during the handshake; IK and KK
	// confirm the pre-seeded one. NK never carries the initiator's key.
	if remote := s.handshake.PeerStatic(); len(remote) == crypto.KeySize {
		s.remoteStatic = make([]byte, crypto.KeySize)
		copy(s.remoteStatic, remote)
	}

	// Split always yields (initiator-to-responder, responder-to-initiator)
	// regardless of which side we are, so the responder sends on the
	// second state and receives on the first.
	if s.role == Initiator {
		s.sendCipher = sendCS
		s.recvCipher = recvCS
	} else {
		s.sendCipher = recvCS
		s.recvCipher = sendCS
	}
	s.complete = true
	s.handshake = nil
}

// IsTransportReady returns true once the handshake has completed and the
// session can encrypt and decrypt traffic.
func (s *Session) IsTransportReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Encrypt encrypts plaintext under the session's send cipher, appending a
// 16-byte authentication tag. When the send counter reaches the rekey
// threshold the session rekeys automatically before encrypting and both
// counters reset; the peer must call Rekey itself to keep decrypting.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.complete {
		return nil, fmt.Errorf("cannot encrypt: %w", ErrSessionNotReady)
	}

	if s.sendCount >= s.maxMessages {
		s.rekeyLocked()
	}

	ciphertext, err := s.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	s.sendCount++

	return ciphertext, nil
}

// Decrypt decrypts ciphertext produced by the peer's send cipher. The
// receive counter is tracked independently of the send counter and never
// triggers an automatic rekey; rekey synchronization is driven by the
// sending side.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.complete {
		return nil, fmt.Errorf("cannot decrypt: %w", ErrSessionNotReady)
	}

	plaintext, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	s.recvCount++

	return plaintext, nil
}

// Rekey derives fresh send and receive keys from the current cipher states
// and resets both message counters. Valid only in transport state.
func (s *Session) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.complete {
		return fmt.Errorf("cannot rekey: %w", ErrSessionNotReady)
	}

	s.rekeyLocked()
	return nil
}

// rekeyLocked rekeys both cipher states. Callers must hold s.mu and have
// verified the session is in transport state.
func (s *Session) rekeyLocked() {
	s.sendCipher.Rekey()
	s.recvCipher.Rekey()
	s.sendCount = 0
	s.recvCount = 0
}

// ExportSession returns a snapshot of the established session. Fails while
// the handshake is incomplete.
func (s *Session) ExportSession() (*SessionExport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.complete {
		return nil, ErrHandshakeNotComplete
	}

	export := &SessionExport{
		Pattern:      s.pattern,
		Role:         s.role,
		SessionID:    s.sessionID,
		SentMessages: s.sendCount,
		RecvMessages: s.recvCount,
	}
	if s.remoteStatic != nil {
		export.RemoteStatic = make([]byte, len(s.remoteStatic))
		copy(export.RemoteStatic, s.remoteStatic)
	}

	return export, nil
}

// SessionID returns the 32-byte identifier derived from the handshake
// transcript hash. Fails while the handshake is incomplete.
func (s *Session) SessionID() ([SessionIDSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.complete {
		return [SessionIDSize]byte{}, ErrHandshakeNotComplete
	}
	return s.sessionID, nil
}

// LocalStaticKey returns our static public key for this session.
func (s *Session) LocalStaticKey() []byte {
	key := make([]byte, len(s.localStatic.Public))
	copy(key, s.localStatic.Public)
	return key
}

// RemoteStaticKey returns the peer's static public key, if known. For XX it
// becomes available once the handshake completes; for NK responders it is
// never available.
func (s *Session) RemoteStaticKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteStatic == nil {
		return nil, errors.New("remote static key not available")
	}
	key := make([]byte, len(s.remoteStatic))
	copy(key, s.remoteStatic)
	return key, nil
}

// Pattern returns the session's handshake pattern.
func (s *Session) Pattern() Pattern { return s.pattern }

// Role returns the session's handshake role.
func (s *Session) Role() Role { return s.role }

// SetMaxMessages overrides the automatic rekey threshold. A zero value is
// ignored.
func (s *Session) SetMaxMessages(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxMessages = n
}

// Close wipes the session's local static private key. The cipher states are
// dropped; the session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	crypto.ZeroBytes(s.localStatic.Private)
	s.sendCipher = nil
	s.recvCipher = nil
	s.handshake = nil
	s.complete = false
}
