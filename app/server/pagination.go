package server

import (
	"net/url"
	"strconv"

	"github.com/fluxcapacitor2/easylink/app/apperr"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type paginationInfo struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
	// Links to the neighboring pages, if they exist
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

func urlWithParam(url *url.URL, key string, value string) string {
	copied := *url
	q := copied.Query()
	q.Set(key, value)
	copied.RawQuery = q.Encode()
	return copied.String()
}

// parsePagination reads the 1-based `page` and `pageSize` query parameters.
func parsePagination(query url.Values) (page int, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize

	if s := query.Get("page"); s != "" {
		page, err = strconv.Atoi(s)
		if err != nil || page < 1 {
			return 0, 0, apperr.Newf(apperr.Validation, "page must be a positive integer, got %q", s)
		}
	}
	if s := query.Get("pageSize"); s != "" {
		pageSize, err = strconv.Atoi(s)
		if err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, apperr.Newf(apperr.Validation, "pageSize must be between 1 and %v, got %q", maxPageSize, s)
		}
	}
	return page, pageSize, nil
}

// paginate returns one page of `items`. Pages past the end are empty.
func paginate[T any](url *url.URL, items []T, page int, pageSize int) ([]T, paginationInfo) {
	info := paginationInfo{Page: page, PageSize: pageSize, Total: len(items)}

	start := min((page-1)*pageSize, len(items))
	end := min(start+pageSize, len(items))

	if end < len(items) {
		info.Next = urlWithParam(url, "page", strconv.Itoa(page+1))
	}
	if page > 1 {
		// Jump back to the last page when the cursor is past the end
		lastPage := max(1, (len(items)+pageSize-1)/pageSize)
		info.Previous = urlWithParam(url, "page", strconv.Itoa(min(page-1, lastPage)))
	}

	return items[start:end], info
}
