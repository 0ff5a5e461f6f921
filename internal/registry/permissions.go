package registry

import "context"

// Permissions gates scanning on platforms where discovery needs a user grant.
type Permissions interface {
	// Check reports whether scanning is already permitted.
	Check(ctx context.Context) bool
	// Request shows the user-facing permission prompt and reports the answer.
	Request(ctx context.Context) (bool, error)
}

// AllowAll is the Permissions of platforms without scan gating.
type AllowAll struct{}

func (AllowAll) Check(context.Context) bool            { return true }
func (AllowAll) Request(context.Context) (bool, error) { return true, nil }
