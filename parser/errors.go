package parser

import "fmt"

// ErrBadPrice indicates a price string with no parsable amount.
type ErrBadPrice struct {
	Value string
}

func (e ErrBadPrice) Error() string {
	return fmt.Sprintf("bad_price: unable to parse price from %q", e.Value)
}

// ErrMissingUPC indicates an item whose detail page carried no UPC.
type ErrMissingUPC struct {
	URL string
}

func (e ErrMissingUPC) Error() string {
	return fmt.Sprintf("missing_upc: no UPC for %s", e.URL)
}

// ErrMalformed indicates an item fragment missing required markup.
type ErrMalformed struct {
	Reason string
}

func (e ErrMalformed) Error() string {
	return fmt.Sprintf("malformed: %s", e.Reason)
}

// Reason maps an extraction error to its counter label.
func Reason(err error) string {
	switch err.(type) {
	case ErrBadPrice:
		return "bad_price"
	case ErrMissingUPC:
		return "missing_upc"
	case ErrMalformed:
		return "malformed"
	default:
		return "other"
	}
}
