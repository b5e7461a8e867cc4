package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-reqreply/contracts"
)

// ErrFiltered is returned for requests rejected with SkipWithError
var ErrFiltered = errors.New("interceptors: request filtered")

// Filter decides whether a request is handled
type Filter interface {
	ShouldProcess(ctx context.Context, request *contracts.Envelope) bool
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, request *contracts.Envelope) bool

// ShouldProcess implements Filter
func (f FilterFunc) ShouldProcess(ctx context.Context, request *contracts.Envelope) bool {
	return f(ctx, request)
}

// SkipBehavior decides what happens to a filtered request
type SkipBehavior int

const (
	// SkipSilently consumes the request without an error
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the request with ErrFiltered
	SkipWithError
)

// FilteringInterceptor passes on only the requests its filter accepts
type FilteringInterceptor struct {
	filter Filter
	skip   SkipBehavior
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter Filter, skip SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, skip: skip}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	if i.filter.ShouldProcess(ctx, request) {
		return next.Handle(ctx, request)
	}
	if i.skip == SkipWithError {
		return fmt.Errorf("%w: %s", ErrFiltered, request.ID)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// HeaderEquals accepts requests whose header name has value
func HeaderEquals(name, value string) Filter {
	return FilterFunc(func(_ context.Context, request *contracts.Envelope) bool {
		v, ok := request.Headers[name]
		return ok && v == value
	})
}

// HasReplyTo accepts requests that name a reply destination
func HasReplyTo() Filter {
	return FilterFunc(func(_ context.Context, request *contracts.Envelope) bool {
		return request.ReplyTo != ""
	})
}

// All accepts requests every filter accepts
func All(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, request *contracts.Envelope) bool {
		for _, f := range filters {
			if !f.ShouldProcess(ctx, request) {
				return false
			}
		}
		return true
	})
}

// Any accepts requests at least one filter accepts
func Any(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, request *contracts.Envelope) bool {
		for _, f := range filters {
			if f.ShouldProcess(ctx, request) {
				return true
			}
		}
		return false
	})
}

// ConditionalInterceptor applies interceptor only to requests condition accepts
type ConditionalInterceptor struct {
	condition   Filter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a conditional interceptor
func NewConditionalInterceptor(condition Filter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{condition: condition, interceptor: interceptor}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	if i.condition.ShouldProcess(ctx, request) {
		return i.interceptor.Intercept(ctx, request, next)
	}
	return next.Handle(ctx, request)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return "Conditional(" + i.interceptor.Name() + ")"
}
