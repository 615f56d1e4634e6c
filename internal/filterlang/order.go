package filterlang

import (
	"errors"
	"fmt"
)

// Order selects how the photo selector breaks ties within a cycle.
type Order string

const (
	OrderShuffle                 Order = "SHUFFLE"
	OrderChronologicalAscending  Order = "CHRONOLOGICAL_ASCENDING"
	OrderChronologicalDescending Order = "CHRONOLOGICAL_DESCENDING"
)

// ErrUnknownOrder is returned for order names outside the enum.
var ErrUnknownOrder = errors.New("unknown order")

// ParseOrder validates an order name. The empty string defaults to SHUFFLE.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case OrderShuffle, OrderChronologicalAscending, OrderChronologicalDescending:
		return Order(s), nil
	case "":
		return OrderShuffle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOrder, s)
}

func (o Order) String() string {
	return string(o)
}

// SQL compiles the order to an ORDER BY fragment and an extra filter
// condition. The chronological orders exclude photos without a capture
// date; the extra condition is empty for SHUFFLE.
func (o Order) SQL() (orderSQL, extraFilterSQL string) {
	switch o {
	case OrderChronologicalDescending:
		return "datetime(capture_date) DESC", "capture_date IS NOT NULL"
	case OrderChronologicalAscending:
		return "datetime(capture_date) ASC", "capture_date IS NOT NULL"
	default:
		return "RANDOM()", ""
	}
}
