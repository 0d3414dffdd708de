package terminal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference builds a point-of-sale invoice reference. It doubles as the
// provider idempotency key, so it must be unique per charge but stable for
// the session's whole lifetime.
func NewReference(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("POS-%s-%s", now.UTC().Format("20060102T150405"), suffix)
}
