package xid

import "github.com/google/uuid"

// New returns prefix-<uuid v7>. v7 ids sort by creation time, which keeps the
// primary key index append-mostly.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
