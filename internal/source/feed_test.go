// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const feedBody = `{"items": [
	{"received_utc": "2025-09-29T14:20:00Z", "imei": "300234010753370", "momsn": 344,
	 "data_text": "#D,100,##,L73,DataLogger,K1,K1,F5,F5,2509291420,Battery,11.9,**"},
	{"received_utc": "2025-09-29T14:25:12Z", "imei": "300234010753370", "momsn": 345,
	 "transmit_time_utc": "2025-09-29T14:24:50Z",
	 "data_text": "#D,100,##,L73,DataLogger,K1,K1,F5,F5,2509291425,Battery,11.9,**"},
	{"received_utc": "2025-09-28T09:00:00Z", "momsn": 301,
	 "data_hex": "23442c3130302c2a2a"}
]}`

func TestFeedEnumerateNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	feed, err := NewFeed(context.Background(), FeedConfig{URL: srv.URL, AuthHeader: "sekrit"})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := feed.Enumerate(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ReceivedTime.After(msgs[i-1].ReceivedTime) {
			t.Fatalf("messages not newest-first at %d", i)
		}
	}
	if msgs[0].Subject != "RB momsn 345" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}
	if msgs[0].MessageID != "MOMSN:345" {
		t.Errorf("message id = %q", msgs[0].MessageID)
	}
	if msgs[0].Sender != "300234010753370@rockblock.rock7.com" {
		t.Errorf("sender = %q", msgs[0].Sender)
	}
	if !strings.Contains(msgs[0].Body, "Transmit Time: 2025-09-29T14:24:50Z") {
		t.Errorf("transmit time not surfaced in body:\n%s", msgs[0].Body)
	}
	// data_hex fallback decodes to text.
	if msgs[2].Body != "#D,100,**" {
		t.Errorf("hex body = %q", msgs[2].Body)
	}
}

func TestFeedEnumerateSinceCutoff(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	feed, err := NewFeed(context.Background(), FeedConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	since := time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC)
	msgs, err := feed.Enumerate(context.Background(), since)
	if err != nil {
		t.Fatal(err)
	}
	if gotSince != "2025-09-29T00:00:00Z" {
		t.Errorf("since param = %q", gotSince)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after cutoff, want 2", len(msgs))
	}
}

func TestFeedEnumerateBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"received_utc": "2025-09-29T14:20:00Z", "sender": "x@y", "data_text": "#S,1,**"}]`))
	}))
	defer srv.Close()

	feed, err := NewFeed(context.Background(), FeedConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := feed.Enumerate(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "x@y" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestFeedNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	feed, err := NewFeed(context.Background(), FeedConfig{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = feed.Enumerate(context.Background(), time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFeedEmptyURL(t *testing.T) {
	_, err := NewFeed(context.Background(), FeedConfig{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
