package allocator

import (
	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/storage"
)

// Strategy picks which free pool row a reservation takes. Both strategies
// go through the same row locks; they differ only in ordering.
type Strategy string

const (
	// Sequential takes the lowest free port and the first free IP.
	Sequential Strategy = "sequential"
	// Random spreads reservations across free rows.
	Random Strategy = "random"
)

// ParseStrategy accepts "sequential" and "random".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Sequential, Random:
		return Strategy(s), nil
	case "":
		return Sequential, nil
	}
	return "", errdefs.InvalidArgument("unknown allocation strategy %q", s)
}

func (s Strategy) order() storage.Order {
	if s == Random {
		return storage.OrderRandom
	}
	return storage.OrderSequential
}
