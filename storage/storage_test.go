package storage

import (
	"testing"
	"time"
)

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	doc := []byte(`{"state":"queued","attempts":2,"to":"a@example.com"}`)

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "nil filter matches", filter: nil, want: true},
		{name: "single field", filter: Filter{"state": "queued"}, want: true},
		{name: "numeric field", filter: Filter{"attempts": 2}, want: true},
		{name: "all fields", filter: Filter{"state": "queued", "attempts": 2}, want: true},
		{name: "wrong value", filter: Filter{"state": "sent"}, want: false},
		{name: "missing field", filter: Filter{"cc": "x"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(doc); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}

	if (Filter{"a": 1}).Matches([]byte("not json")) {
		t.Error("non-JSON document matched a non-nil filter")
	}
	if !(Filter)(nil).Matches([]byte("not json")) {
		t.Error("non-JSON document should match the nil filter")
	}
}

func TestItemIsExpired(t *testing.T) {
	t.Parallel()

	if (&Item{}).IsExpired() {
		t.Error("item without expiry reported expired")
	}
	past := time.Now().Add(-time.Minute)
	if !(&Item{ExpiresAt: &past}).IsExpired() {
		t.Error("item past its expiry reported live")
	}
	future := time.Now().Add(time.Minute)
	if (&Item{ExpiresAt: &future}).IsExpired() {
		t.Error("item before its expiry reported expired")
	}
}
