package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	// GraphHost is the Microsoft Graph v1.0 root.
	GraphHost = "https://graph.microsoft.com/v1.0"
	// GraphScope requests the application permissions granted to the app.
	GraphScope = "https://graph.microsoft.com/.default"
)

var (
	graphUserDrive = Endpoint{
		Name:   "graph.drive",
		Method: http.MethodGet,
		Path:   "/users/{user_id}/drive",
	}
	graphItem = Endpoint{
		Name:   "graph.item",
		Method: http.MethodGet,
		Path:   "/drives/{drive_id}/root:{item_path}",
	}
	graphGetContent = Endpoint{
		Name:   "graph.get_content",
		Method: http.MethodGet,
		Path:   "/drives/{drive_id}/root:{item_path}:/content",
	}
	graphPutContent = Endpoint{
		Name:   "graph.put_content",
		Method: http.MethodPut,
		Path:   "/drives/{drive_id}/root:{item_path}:/content",
	}
	graphCreateSession = Endpoint{
		Name:   "graph.create_upload_session",
		Method: http.MethodPost,
		Path:   "/drives/{drive_id}/root:{item_path}:/createUploadSession",
	}
	graphSessionStatus = Endpoint{Name: "graph.upload_session_status", Method: http.MethodGet}
	graphUploadRange   = Endpoint{Name: "graph.upload_range", Method: http.MethodPut}
)

var createSessionBody = []byte(`{"item":{"@microsoft.graph.conflictBehavior":"replace"}}`)

// GraphCredentials returns the client-credentials configuration for a tenant.
func GraphCredentials(tenantID, clientID, secret string) clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{GraphScope},
	}
}

// NewGraphClient returns a Client using bearer authentication against host.
func NewGraphClient(host string, tokens TokenSource, opts ...ClientOption) *Client {
	if host == "" {
		host = GraphHost
	}
	return NewClient(host, tokens, AuthHeader, opts...)
}

// Graph is the destination side. All item paths are relative to the drive
// root and must start with "/".
type Graph struct {
	client  *Client
	driveID string
}

// NewGraph binds a client to a known drive.
func NewGraph(client *Client, driveID string) *Graph {
	return &Graph{client: client, driveID: driveID}
}

// OpenGraph looks up the default drive of userID and binds to it.
func OpenGraph(ctx context.Context, client *Client, userID string) (*Graph, error) {
	var drive struct {
		ID string `json:"id"`
	}
	err := client.getJSON(ctx, Request{Endpoint: graphUserDrive, Params: Params{"user_id": userID}}, &drive)
	if err != nil {
		return nil, err
	}
	if drive.ID == "" {
		return nil, fmt.Errorf("%s: empty drive id: %w", graphUserDrive.Name, ErrMalformedResponse)
	}
	return NewGraph(client, drive.ID), nil
}

// DriveID returns the bound drive.
func (g *Graph) DriveID() string { return g.driveID }

func (g *Graph) itemParams(path string) Params {
	return Params{"drive_id": g.driveID, "item_path": SanitizePath(path)}
}

// CreateUploadSession starts a resumable upload that replaces any existing
// item at path.
func (g *Graph) CreateUploadSession(ctx context.Context, path string) (*UploadSession, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	var out struct {
		UploadURL          string    `json:"uploadUrl"`
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}
	err := g.client.getJSON(ctx, Request{
		Endpoint: graphCreateSession,
		Params:   g.itemParams(path),
		Header:   header,
		Body:     createSessionBody,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.UploadURL == "" {
		return nil, fmt.Errorf("%s: empty upload url: %w", graphCreateSession.Name, ErrMalformedResponse)
	}
	return &UploadSession{URL: out.UploadURL, ExpiresAt: out.ExpirationDateTime}, nil
}

// SessionStatus asks the destination which ranges it still expects. The
// upload URL is pre-authenticated so no token is sent.
func (g *Graph) SessionStatus(ctx context.Context, uploadURL string) (*SessionStatus, error) {
	resp, err := g.client.Do(ctx, Request{Endpoint: graphSessionStatus, URL: uploadURL, Anonymous: true})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drain(resp.Body)
		return &SessionStatus{Found: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(graphSessionStatus.Name, resp)
	}
	defer resp.Body.Close()

	var out struct {
		NextExpectedRanges []string  `json:"nextExpectedRanges"`
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", graphSessionStatus.Name, ErrMalformedResponse, err)
	}
	return &SessionStatus{
		Found:              true,
		NextExpectedRanges: out.NextExpectedRanges,
		ExpiresAt:          out.ExpirationDateTime,
	}, nil
}

// UploadRange sends bytes [start, end] of a total-byte file. done is true when
// the destination reports the item as created.
func (g *Graph) UploadRange(ctx context.Context, uploadURL string, start, end, total int64, data []byte) (bool, error) {
	if int64(len(data)) != end-start+1 {
		return false, fmt.Errorf("%s: %d bytes for range %d-%d", graphUploadRange.Name, len(data), start, end)
	}
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

	resp, err := g.client.Expect(ctx, Request{
		Endpoint:  graphUploadRange,
		URL:       uploadURL,
		Header:    header,
		Body:      data,
		Anonymous: true,
	}, http.StatusAccepted, http.StatusOK, http.StatusCreated)
	if err != nil {
		return false, err
	}
	drain(resp.Body)
	return resp.StatusCode != http.StatusAccepted, nil
}

// ItemSize returns the size of the item at path, or ErrNotFound.
func (g *Graph) ItemSize(ctx context.Context, path string) (int64, error) {
	var out struct {
		Size int64 `json:"size"`
	}
	err := g.client.getJSON(ctx, Request{Endpoint: graphItem, Params: g.itemParams(path)}, &out)
	if IsStatus(err, http.StatusNotFound) {
		return 0, fmt.Errorf("%s %s: %w", graphItem.Name, path, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return out.Size, nil
}

// GetContent downloads a small file from the drive.
func (g *Graph) GetContent(ctx context.Context, path string) ([]byte, error) {
	resp, err := g.client.Expect(ctx, Request{Endpoint: graphGetContent, Params: g.itemParams(path)}, http.StatusOK)
	if IsStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%s %s: %w", graphGetContent.Name, path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", graphGetContent.Name, path, err)
	}
	return data, nil
}

// PutContent replaces a small file on the drive in a single request.
func (g *Graph) PutContent(ctx context.Context, path string, data []byte) error {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")

	resp, err := g.client.Expect(ctx, Request{
		Endpoint: graphPutContent,
		Params:   g.itemParams(path),
		Header:   header,
		Body:     data,
	}, http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}
