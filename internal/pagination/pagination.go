// Package pagination reads page/limit query parameters for the list
// endpoints and shapes their responses.
package pagination

import (
	"net/url"
	"strconv"
)

type Params struct {
	Page   int32 // 1-based
	Limit  int32
	Offset int32
}

const (
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 10
)

func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

type PaginationOption func(*Params)

func WithDefaultLimit(limit int32) PaginationOption {
	return func(p *Params) {
		if limit > 0 && limit <= MaxLimit {
			p.Limit = limit
		}
	}
}

// GetPaginationParams reads page and limit from q, ignoring values that do
// not parse and capping limit at MaxLimit.
func GetPaginationParams(q url.Values, opts ...PaginationOption) Params {
	params := Params{Page: DefaultPage, Limit: DefaultLimit}
	for _, opt := range opts {
		opt(&params)
	}

	if val, err := strconv.ParseInt(q.Get("page"), 10, 32); err == nil && val > 0 {
		params.Page = int32(val)
	}
	if val, err := strconv.ParseInt(q.Get("limit"), 10, 32); err == nil && val > 0 {
		params.Limit = int32(val)
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

func GetHasNext(offset, limit, count int32) bool {
	return (offset + limit) < count
}

// Response is the envelope every list endpoint returns.
type Response[T any] struct {
	Items   []T   `json:"items"`
	Page    int32 `json:"page"`
	Limit   int32 `json:"limit"`
	Total   int32 `json:"total"`
	HasNext bool  `json:"hasNext"`
}

func NewResponse[T any](items []T, params Params, total int32) Response[T] {
	if items == nil {
		items = []T{}
	}
	return Response[T]{
		Items:   items,
		Page:    params.Page,
		Limit:   params.Limit,
		Total:   total,
		HasNext: GetHasNext(params.Offset, params.Limit, total),
	}
}
