package interfaces

// Connection represents a server-side WebSocket client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the authenticated user's ID, which is also the room key
	GetUserID() string

	// GetRole returns the user's role ("student" or "instructor")
	GetRole() string

	// IsAuthenticated returns true once credentials have been set
	IsAuthenticated() bool

	// SetCredentials sets user credentials after token validation
	// TECHNICAL DISCOVERY: Separate authentication step allows WebSocket
	// upgrade before credential validation, improving connection establishment
	SetCredentials(userID, role string) error
}
