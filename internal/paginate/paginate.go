// Package paginate turns a "fetch page N" callback into a lazy sequence of
// pages.
package paginate

import (
	"context"
	"iter"
)

type Page[T any] struct {
	Number  int
	Items   []T
	HasMore bool
	// PageCount is the provider-reported total, or 0 when unknown.
	PageCount int
}

type FetchFunc[T any] func(ctx context.Context, page int) (Page[T], error)

// Infer builds a page from a provider response. An explicit page count wins;
// without one, a full page is taken to mean more data may follow.
func Infer[T any](items []T, page, pageSize, pageCount int) Page[T] {
	p := Page[T]{Number: page, Items: items, PageCount: pageCount}
	switch {
	case pageCount > 0:
		p.HasMore = page < pageCount
	default:
		p.HasMore = pageSize > 0 && len(items) >= pageSize
	}
	return p
}

// Pages yields successive non-empty pages starting at startPage (1-based).
// The sequence ends after a page with HasMore false, at the first empty page,
// or after yielding the first error. Breaking out of the loop stops fetching.
func Pages[T any](ctx context.Context, fetch FetchFunc[T], startPage int) iter.Seq2[Page[T], error] {
	if startPage < 1 {
		startPage = 1
	}
	return func(yield func(Page[T], error) bool) {
		for n := startPage; ; n++ {
			if err := ctx.Err(); err != nil {
				yield(Page[T]{Number: n}, err)
				return
			}
			page, err := fetch(ctx, n)
			if err != nil {
				yield(Page[T]{Number: n}, err)
				return
			}
			if len(page.Items) == 0 {
				return
			}
			page.Number = n
			if !yield(page, nil) || !page.HasMore {
				return
			}
		}
	}
}
