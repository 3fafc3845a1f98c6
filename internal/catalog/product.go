package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/utafrali/catalog-screen/internal/query"
)

// Product is a listing record as returned by the catalog service, kept as
// raw JSON. The screen never interprets it; it only counts products and hands
// them on.
type Product json.RawMessage

// MarshalJSON writes the record unchanged.
func (p Product) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p).MarshalJSON()
}

// UnmarshalJSON keeps a copy of the raw record.
func (p *Product) UnmarshalJSON(data []byte) error {
	*p = append((*p)[0:0], data...)
	return nil
}

// Fetcher issues one product-listing request per criteria snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, criteria query.Criteria) ([]Product, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, criteria query.Criteria) ([]Product, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, criteria query.Criteria) ([]Product, error) {
	return f(ctx, criteria)
}

// Failure classes. Every error returned by Client wraps exactly one of them.
var (
	ErrTransport = errors.New("listing request failed")
	ErrRejected  = errors.New("listing service reported failure")
	ErrMalformed = errors.New("listing response malformed")
)

// FetchError is the single failure outcome of a fetch.
type FetchError struct {
	Kind  error
	Query string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch products ?%s: %v: %v", e.Query, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch products ?%s: %v", e.Query, e.Kind)
}

// Unwrap exposes both the failure class and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns a short metric label for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}
