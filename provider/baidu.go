package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

const (
	// BaiduHost is the xpan REST API host.
	BaiduHost = "https://pan.baidu.com"
	// BaiduTokenURL is the OAuth token endpoint used for refresh-token grants.
	BaiduTokenURL = "https://openapi.baidu.com/oauth/2.0/token?openapi=xpansdk"
	// BaiduUserAgent is required by the download servers.
	BaiduUserAgent = "pan.baidu.com"

	// DefaultSearchPageSize is the largest page the search API accepts.
	DefaultSearchPageSize = 500
)

// errno values that mean the access token is no longer valid.
var baiduAuthErrnos = map[int]bool{-6: true, 111: true}

var (
	baiduSearch = Endpoint{
		Name:   "baidu.search",
		Method: http.MethodGet,
		Path:   "/rest/2.0/xpan/file",
		Query:  url.Values{"method": {"search"}, "openapi": {"xpansdk"}},
	}
	baiduFileMeta = Endpoint{
		Name:   "baidu.filemetas",
		Method: http.MethodGet,
		Path:   "/rest/2.0/xpan/multimedia",
		Query:  url.Values{"method": {"filemetas"}, "openapi": {"xpansdk"}},
	}
	baiduDownload = Endpoint{Name: "baidu.download", Method: http.MethodGet}
)

// BaiduOAuthConfig returns the oauth2 configuration for refresh-token grants.
func BaiduOAuthConfig(clientID, clientSecret, tokenURL string) oauth2.Config {
	if tokenURL == "" {
		tokenURL = BaiduTokenURL
	}
	return oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// NewBaiduClient returns a Client configured for the xpan API conventions:
// token in the query string, fixed User-Agent, errno-based auth expiry.
func NewBaiduClient(host string, tokens TokenSource, opts ...ClientOption) *Client {
	if host == "" {
		host = BaiduHost
	}
	opts = append([]ClientOption{WithUserAgent(BaiduUserAgent), WithAuthCheck(baiduAuthExpired)}, opts...)
	return NewClient(host, tokens, AuthQuery, opts...)
}

// Baidu is the source side: search, file metadata and ranged downloads.
type Baidu struct {
	client *Client
}

// NewBaidu wraps a client created by NewBaiduClient.
func NewBaidu(client *Client) *Baidu {
	return &Baidu{client: client}
}

type baiduEnvelope struct {
	Errno  int    `json:"errno"`
	ErrMsg string `json:"errmsg"`
}

type baiduFile struct {
	FsID           uint64 `json:"fs_id"`
	Path           string `json:"path"`
	ServerFilename string `json:"server_filename"`
	Size           int64  `json:"size"`
	IsDir          flag   `json:"isdir"`
	Dlink          string `json:"dlink"`
}

type baiduSearchResponse struct {
	baiduEnvelope
	List    []baiduFile `json:"list"`
	HasMore flag        `json:"has_more"`
}

type baiduMetaResponse struct {
	baiduEnvelope
	List []baiduFile `json:"list"`
}

// Search runs one page of a file search.
func (b *Baidu) Search(ctx context.Context, q SearchQuery) (*SearchPage, error) {
	page := q.Page
	if page <= 0 {
		page = 1
	}
	num := q.PageSize
	if num <= 0 {
		num = DefaultSearchPageSize
	}
	recursion := "0"
	if q.Recursive {
		recursion = "1"
	}
	query := url.Values{
		"key":       {q.Key},
		"dir":       {q.Dir},
		"page":      {strconv.Itoa(page)},
		"num":       {strconv.Itoa(num)},
		"recursion": {recursion},
	}

	var out baiduSearchResponse
	if err := b.getJSON(ctx, Request{Endpoint: baiduSearch, Query: query}, &out); err != nil {
		return nil, err
	}

	result := &SearchPage{Page: page, HasMore: bool(out.HasMore)}
	for _, f := range out.List {
		result.Items = append(result.Items, Item{
			ID:    strconv.FormatUint(f.FsID, 10),
			Path:  f.Path,
			Name:  f.ServerFilename,
			Size:  f.Size,
			IsDir: bool(f.IsDir),
		})
	}
	return result, nil
}

// DownloadLink resolves the time-limited download URL for a file.
func (b *Baidu) DownloadLink(ctx context.Context, id string) (Link, error) {
	query := url.Values{"fsids": {"[" + id + "]"}, "dlink": {"1"}}

	var out baiduMetaResponse
	if err := b.getJSON(ctx, Request{Endpoint: baiduFileMeta, Query: query}, &out); err != nil {
		return Link{}, err
	}
	if len(out.List) == 0 {
		return Link{}, fmt.Errorf("%s %s: %w", baiduFileMeta.Name, id, ErrNotFound)
	}
	meta := out.List[0]
	if meta.Dlink == "" {
		return Link{}, fmt.Errorf("%s %s: empty dlink: %w", baiduFileMeta.Name, id, ErrMalformedResponse)
	}
	return Link{URL: meta.Dlink, Size: meta.Size}, nil
}

// FetchRange downloads bytes [start, end] of a file. The caller must close
// the returned body.
func (b *Baidu) FetchRange(ctx context.Context, link string, start, end int64) (io.ReadCloser, error) {
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := b.client.Expect(ctx, Request{
		Endpoint: baiduDownload,
		URL:      link,
		Header:   header,
	}, http.StatusPartialContent)
	if err != nil {
		return nil, err
	}
	if want := end - start + 1; resp.ContentLength >= 0 && resp.ContentLength != want {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: content length %d, want %d: %w",
			baiduDownload.Name, resp.ContentLength, want, ErrMalformedResponse)
	}
	return resp.Body, nil
}

func (b *Baidu) getJSON(ctx context.Context, r Request, out any) error {
	resp, err := b.client.Expect(ctx, r, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", r.Endpoint.Name, err)
	}
	var env baiduEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: %w: %v", r.Endpoint.Name, ErrMalformedResponse, err)
	}
	if env.Errno != 0 {
		code := http.StatusBadRequest
		if baiduAuthErrnos[env.Errno] {
			code = http.StatusUnauthorized
		}
		return &StatusError{
			Op:         r.Endpoint.Name,
			StatusCode: code,
			Body:       fmt.Sprintf("errno %d %s", env.Errno, env.ErrMsg),
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", r.Endpoint.Name, ErrMalformedResponse, err)
	}
	return nil
}

// baiduAuthExpired peeks at JSON bodies for an auth errno. The body is
// buffered and restored so callers can still read it.
func baiduAuthExpired(resp *http.Response) bool {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return false
	}
	var env baiduEnvelope
	if json.Unmarshal(data, &env) != nil {
		return false
	}
	return baiduAuthErrnos[env.Errno]
}

// flag decodes the 0/1 integers the xpan API uses for booleans.
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch s {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid flag %q", s)
		}
		*f = n != 0
	}
	return nil
}
