// Package index reads package pages of a "simple" repository index and
// extracts the wheel links they publish.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/italolelis/wheel_mirror/internal/logctx"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	wheelSuffix  = ".whl"
	maxPageBytes = 32 << 20
	snippetBytes = 500
)

// PageError is returned when a package page cannot be retrieved.
type PageError struct {
	Package    string
	URL        string
	StatusCode int
	Err        error
}

func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch page for %s (%s): unexpected status %d", e.Package, e.URL, e.StatusCode)
	}

	return fmt.Sprintf("failed to fetch page for %s (%s): %v", e.Package, e.URL, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// PackageURL resolves pkg against the index base URL the way a browser
// resolves a relative link: "https://idx/simple/" + "foo" gives
// "https://idx/simple/foo", while a base without trailing slash replaces its
// last segment.
func PackageURL(baseURL, pkg string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid index url %q: %w", baseURL, err)
	}

	if !base.IsAbs() {
		return "", fmt.Errorf("invalid index url %q: not absolute", baseURL)
	}

	ref, err := url.Parse(pkg)
	if err != nil {
		return "", fmt.Errorf("invalid package name %q: %w", pkg, err)
	}

	return base.ResolveReference(ref).String(), nil
}

// ParseWheelLinks returns the absolute URLs of all anchors in the page whose
// href path ends in ".whl". Relative links resolve against pageURL, or the
// document's <base href> when present. Order is kept and duplicates dropped.
func ParseWheelLinks(r io.Reader, pageURL *url.URL) ([]string, error) {
	base := pageURL

	var links []string

	seen := make(map[string]struct{})
	z := html.NewTokenizer(r)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse page: %w", err)
			}

			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()

			href, ok := attr(tok, "href")
			if !ok {
				continue
			}

			switch tok.DataAtom {
			case atom.Base:
				if u, err := pageURL.Parse(href); err == nil {
					base = u
				}
			case atom.A:
				u, err := base.Parse(strings.TrimSpace(href))
				if err != nil || !strings.HasSuffix(u.Path, wheelSuffix) {
					continue
				}

				abs := u.String()
				if _, dup := seen[abs]; dup {
					continue
				}

				seen[abs] = struct{}{}
				links = append(links, abs)
			}
		}
	}
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}

	return "", false
}

// Client lists the wheels a package page links to.
type Client struct {
	httpClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

// WheelURLs fetches the page for pkg under baseURL and returns its wheel links.
func (c *Client) WheelURLs(ctx context.Context, baseURL, pkg string) ([]string, error) {
	pageURL, err := PackageURL(baseURL, pkg)
	if err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("fetching package page", "package", pkg, "url", pageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &PageError{Package: pkg, URL: pageURL, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &PageError{Package: pkg, URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &PageError{Package: pkg, URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &PageError{Package: pkg, URL: pageURL, Err: err}
	}

	// resp.Request.URL is the page's final location after redirects.
	links, err := ParseWheelLinks(bytes.NewReader(body), resp.Request.URL)
	if err != nil {
		return nil, &PageError{Package: pkg, URL: pageURL, Err: err}
	}

	logger.Info("found wheel files", "package", pkg, "count", len(links))

	if len(links) == 0 {
		snippet := body
		if len(snippet) > snippetBytes {
			snippet = snippet[:snippetBytes]
		}

		logger.Debug("page has no wheel links", "package", pkg, "content", string(snippet))
	}

	return links, nil
}
