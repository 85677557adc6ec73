package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageLimit, 0},
		{"limit=25&offset=5", 25, 5},
		{"limit=500", maxPageLimit, 0},
		{"limit=200", maxPageLimit, 0},
		{"limit=-1&offset=-5", defaultPageLimit, 0},
		{"limit=abc&offset=xyz", defaultPageLimit, 0},
		{"limit=0", defaultPageLimit, 0},
		{"limit=1&offset=999999", 1, 999999},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/tasks?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginateSlice(t *testing.T) {
	tests := []struct {
		name                 string
		total, limit, offset int
		wantStart, wantEnd   int
		wantMore             bool
	}{
		{"first page", 50, 10, 0, 0, 10, true},
		{"middle page", 50, 10, 20, 20, 30, true},
		{"last full page", 50, 10, 40, 40, 50, false},
		{"partial last page", 45, 10, 40, 40, 45, false},
		{"offset past end", 5, 10, 8, 5, 5, false},
		{"empty collection", 0, 10, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, meta := paginateSlice(tt.total, tt.limit, tt.offset)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
			assert.Equal(t, PaginationMeta{
				TotalCount: tt.total,
				Limit:      tt.limit,
				Offset:     tt.offset,
				HasMore:    tt.wantMore,
			}, meta)
		})
	}
}
