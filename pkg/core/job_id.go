package core

import (
	"context"

	"github.com/google/uuid"
)

type jobIDKey struct{}

// WithJobID attaches a job ID to the context handed to a running task.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom returns the job ID stored in ctx, or "" when there is none.
func JobIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewJobID generates a random job ID.
func NewJobID() string {
	return uuid.NewString()
}
