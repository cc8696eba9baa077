package pipeline

import "context"

// StoreGate answers the cancellation check from the record store.
type StoreGate struct {
	Store interface {
		IsCancelled(ctx context.Context, id string) (bool, error)
	}
}

func (g StoreGate) IsCancelled(ctx context.Context, recordRef string) (bool, error) {
	return g.Store.IsCancelled(ctx, recordRef)
}
