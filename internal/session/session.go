// Package session models one client WebSocket attached to a broker:
// identity, permissions, an outbound queue, and its own access token.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Permission is the two-valued access level assigned to a session.
type Permission int

const (
	PermissionReadOnly Permission = iota
	PermissionDocumentOwner
)

// Transport is the minimal capability a session needs from its
// WebSocket connection: send text/binary frames, shut it down, and
// queue outbound messages for later delivery.
type Transport interface {
	SendText(payload []byte) error
	SendBinary(payload []byte) error
	Shutdown(code int, reason string) error
	Enqueue(payload []byte, binary bool)
}

// Session is per-WebSocket state, pure state plus a Transport for
// send/receive glue — no protocol logic lives here.
type Session struct {
	mu sync.RWMutex

	id          string
	docKey      string
	publicURI   string
	accessToken string
	permission  Permission
	attached    bool
	readOnly    bool
	transport   Transport

	cursorX, cursorY, cursorW, cursorH int
}

// New constructs a Session with a fresh server-generated id.
func New(docKey, publicURI, accessToken string, permission Permission, transport Transport) *Session {
	return &Session{
		id:          uuid.NewString(),
		docKey:      docKey,
		publicURI:   publicURI,
		accessToken: accessToken,
		permission:  permission,
		readOnly:    permission == PermissionReadOnly,
		transport:   transport,
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) DocKey() string      { return s.docKey }
func (s *Session) PublicURI() string   { return s.publicURI }
func (s *Session) AccessToken() string { return s.accessToken }

func (s *Session) Permission() Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permission
}

// IsReadOnly reports whether this session may currently issue edits —
// distinct from Permission because a diskfull error forces every
// session read-only regardless of its original grant.
func (s *Session) IsReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// SetReadOnly forces this session's edit capability, used by the
// diskfull error path to demote every session on a broker.
func (s *Session) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

// Attach marks this session as acknowledged by the kit.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
}

func (s *Session) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached
}

// SetCursor records the session's last-known viewport, surfaced by the
// admin console for "who is looking at what".
func (s *Session) SetCursor(x, y, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorX, s.cursorY, s.cursorW, s.cursorH = x, y, w, h
}

// Cursor returns the session's last-known viewport rectangle.
func (s *Session) Cursor() (x, y, w, h int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursorX, s.cursorY, s.cursorW, s.cursorH
}

// SendText forwards payload to the client over the underlying transport.
func (s *Session) SendText(payload []byte) error {
	return s.transport.SendText(payload)
}

// SendBinary forwards a raw binary payload to the client, used for
// child replies that are already framed (e.g. echoed tile data).
func (s *Session) SendBinary(payload []byte) error {
	return s.transport.SendBinary(payload)
}

// SendTile forwards a rendered tile frame: textual header, newline,
// then raw PNG bytes, a bit-exact wire format.
func (s *Session) SendTile(header string, png []byte) error {
	frame := make([]byte, 0, len(header)+1+len(png))
	frame = append(frame, header...)
	frame = append(frame, '\n')
	frame = append(frame, png...)
	return s.transport.SendBinary(frame)
}

// Shutdown closes the underlying transport with code/reason.
func (s *Session) Shutdown(code int, reason string) error {
	return s.transport.Shutdown(code, reason)
}
