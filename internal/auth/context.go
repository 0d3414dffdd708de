package auth

import (
	"context"

	"github.com/google/uuid"
)

type staffIDKey struct{}

func ContextWithStaffID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, staffIDKey{}, id)
}

func StaffIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(staffIDKey{}).(uuid.UUID)
	return id, ok
}
