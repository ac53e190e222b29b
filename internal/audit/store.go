package audit

import (
	"context"
)

// Store persists audit entries. Append is the only mutation; implementations
// backed by the audit database run under a credential that cannot UPDATE or
// DELETE, so immutability holds below the application layer too.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}
