// Package feed is the boundary to the remote feed: fetch a URL, hand back
// ordered entries. Transport and parse failures are one error kind; the
// poller treats them as an empty cycle.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one raw feed entry in document order.
type Entry struct {
	GUID      string
	Title     string
	Summary   string
	Link      string
	Published time.Time
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]Entry, error)
}

// FetchError wraps any transport or parse failure of one fetch.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher fetches and parses RSS/Atom documents over HTTP.
type HTTPFetcher struct {
	parser *gofeed.Parser
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: timeout}
	p.UserAgent = "newsbot/1.0"
	return &HTTPFetcher{parser: p}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]Entry, error) {
	doc, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	out := make([]Entry, 0, len(doc.Items))
	for _, it := range doc.Items {
		if it == nil {
			continue
		}
		e := Entry{
			GUID:    it.GUID,
			Title:   it.Title,
			Summary: it.Description,
			Link:    it.Link,
		}
		if e.GUID == "" {
			e.GUID = it.Link
		}
		switch {
		case it.PublishedParsed != nil:
			e.Published = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			e.Published = *it.UpdatedParsed
		default:
			e.Published = time.Now()
		}
		out = append(out, e)
	}
	return out, nil
}
