package memory

import (
	"time"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

// SessionRecord is the stored header of one training session.
type SessionRecord struct {
	ID        string
	UserID    string
	Settings  types.Settings
	CreatedAt time.Time
}
