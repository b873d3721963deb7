package server

import (
	"net/url"
	"reflect"
	"testing"

	"github.com/fluxcapacitor2/easylink/app/apperr"
)

func TestPagination(t *testing.T) {

	url, err := url.Parse("http://localhost:8080/api/sessions/s1/pages?page=1&pageSize=3")

	if err != nil {
		t.Fatalf("Failed to parse URL: %v", err)
	}

	items := []int{1, 2, 3, 4, 5, 6, 7}

	table := []struct {
		page     int
		wantPage []int
		want     paginationInfo
	}{
		// When the cursor is at the start
		{page: 1, wantPage: []int{1, 2, 3},
			want: paginationInfo{Page: 1, PageSize: 3, Total: 7,
				Next: "http://localhost:8080/api/sessions/s1/pages?page=2&pageSize=3"}},
		// Cursor in the middle of the results
		{page: 2, wantPage: []int{4, 5, 6},
			want: paginationInfo{Page: 2, PageSize: 3, Total: 7,
				Next:     "http://localhost:8080/api/sessions/s1/pages?page=3&pageSize=3",
				Previous: "http://localhost:8080/api/sessions/s1/pages?page=1&pageSize=3"}},
		// Cursor at the end
		{page: 3, wantPage: []int{7},
			want: paginationInfo{Page: 3, PageSize: 3, Total: 7,
				Previous: "http://localhost:8080/api/sessions/s1/pages?page=2&pageSize=3"}},
		// Cursor past the end
		{page: 9, wantPage: []int{},
			want: paginationInfo{Page: 9, PageSize: 3, Total: 7,
				Previous: "http://localhost:8080/api/sessions/s1/pages?page=3&pageSize=3"}},
	}

	for i, testCase := range table {
		actual, info := paginate(url, items, testCase.page, 3)
		if !reflect.DeepEqual(testCase.wantPage, actual) {
			t.Fatalf("test case %v failed: wanted %v, got %v", i+1, testCase.wantPage, actual)
		}
		if !reflect.DeepEqual(testCase.want, info) {
			t.Fatalf("test case %v failed: wanted %+v, got %+v", i+1, testCase.want, info)
		}
	}

	if url.String() != "http://localhost:8080/api/sessions/s1/pages?page=1&pageSize=3" {
		t.Fatalf("the request URL should not be modified, got %v", url)
	}
}

func TestParsePagination(t *testing.T) {
	table := []struct {
		query    string
		page     int
		pageSize int
		valid    bool
	}{
		{"", 1, defaultPageSize, true},
		{"page=4&pageSize=10", 4, 10, true},
		{"page=0", 0, 0, false},
		{"page=abc", 0, 0, false},
		{"pageSize=501", 0, 0, false},
	}

	for i, testCase := range table {
		query, _ := url.ParseQuery(testCase.query)
		page, pageSize, err := parsePagination(query)

		if testCase.valid && err != nil {
			t.Fatalf("test case %v failed: %v", i+1, err)
		}
		if !testCase.valid && !apperr.Is(err, apperr.Validation) {
			t.Fatalf("test case %v failed: wanted %v, got %v", i+1, apperr.Validation, err)
		}
		if page != testCase.page || pageSize != testCase.pageSize {
			t.Fatalf("test case %v failed: wanted %v/%v, got %v/%v", i+1, testCase.page, testCase.pageSize, page, pageSize)
		}
	}
}
