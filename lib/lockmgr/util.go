package lockmgr

import (
	"github.com/google/uuid"
)

// generateOwnerID creates a new unique owner ID.
// The owner ID is the text form of a random (version 4) uuid.
func generateOwnerID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return []byte(id.String()), nil
}
