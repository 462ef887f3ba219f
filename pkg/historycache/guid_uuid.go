package historycache

import "github.com/google/uuid"

// guidUUID renders a 16-byte GUID value through google/uuid so that
// diagnostics and the demo CLI print GUIDs in the same canonical form
// used throughout the teacher repository for block and tenant ids.
func guidUUID(b [16]byte) uuid.UUID {
	return uuid.UUID(b)
}
