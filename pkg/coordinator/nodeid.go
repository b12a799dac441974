package coordinator

import "github.com/google/uuid"

// generateNodeID mints a nodeId for an agent that omitted one on auth.
func generateNodeID() string {
	return uuid.NewString()
}
