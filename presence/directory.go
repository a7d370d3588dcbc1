package presence

import "context"

// Directory stores registry presence.
type Directory interface {
	// Announce publishes e, replacing any entry with the same name.
	Announce(ctx context.Context, e Entry) error

	// Confirm renews this instance's entry for name. It returns ErrLost
	// when the entry expired or was replaced, and another error when the
	// directory cannot be reached.
	Confirm(ctx context.Context, name string) error

	// List returns the live entries.
	List(ctx context.Context) ([]Entry, error)

	// Withdraw removes this instance's entry for name.
	Withdraw(ctx context.Context, name string) error
}
