// Package container drives a container engine's REST API over a unix
// socket: create, upload an archive, attach, start, wait, fetch an
// archive, and delete. Every operation checks the engine's documented
// status code and surfaces a mismatch (with the response body attached)
// as a container error.
package container

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

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/boundedhttp"
)

// Client talks to one container engine endpoint.
type Client struct {
	http *boundedhttp.Client
}

// New builds a Client over an already-configured boundedhttp.Client
// (typically one pointed at a unix socket).
func New(http *boundedhttp.Client) *Client {
	return &Client{http: http}
}

// Spec is the JSON body posted to /containers/create.
type Spec struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	Tty        bool              `json:"Tty"`
	HostConfig HostConfig        `json:"HostConfig"`
	Labels     map[string]string `json:"Labels,omitempty"`
}

// HostConfig carries the mounts a build or publish job needs.
type HostConfig struct {
	Binds []string `json:"Binds,omitempty"`
	Tmpfs map[string]string `json:"Tmpfs,omitempty"`
}

type createResponse struct {
	ID string `json:"Id"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	borrowed, err := c.http.Acquire(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "acquire container client permit").With("path", path)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://container"+path, body)
	if err != nil {
		borrowed.Release()
		return nil, apperr.Wrap(apperr.KindContainer, err, "build container request").With("path", path)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := borrowed.Do(req)
	borrowed.Release()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "container request").With("path", path)
	}
	return resp, nil
}

func unexpectedStatus(path string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return apperr.New(apperr.KindContainer, "unexpected container engine status").
		With("path", path).With("status", resp.StatusCode).With("body", string(body))
}

// Create creates a container and returns its id.
func (c *Client) Create(ctx context.Context, spec Spec) (string, error) {
	encoded, err := json.Marshal(spec)
	if err != nil {
		return "", apperr.Wrap(apperr.KindContainer, err, "marshal container spec")
	}
	resp, err := c.do(ctx, http.MethodPost, "/containers/create", bytes.NewReader(encoded), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", unexpectedStatus("/containers/create", resp)
	}
	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", apperr.Wrap(apperr.KindContainer, err, "decode create response")
	}
	return created.ID, nil
}

// UploadArchive PUTs a tar stream into the container at path.
func (c *Client) UploadArchive(ctx context.Context, id, path string, tar io.Reader) error {
	endpoint := fmt.Sprintf("/containers/%s/archive?path=%s", id, url.QueryEscape(path))
	resp, err := c.do(ctx, http.MethodPut, endpoint, tar, "application/x-tar")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(endpoint, resp)
	}
	return nil
}

// Attach opens the container's combined stdout+stderr stream. The
// caller must close the returned body.
func (c *Client) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("/containers/%s/attach?stdout=1&stderr=1", id)
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, unexpectedStatus(endpoint, resp)
	}
	return resp.Body, nil
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("/containers/%s/start", id)
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return unexpectedStatus(endpoint, resp)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code. The
// response body is read as integer text, or else as a JSON object with a
// StatusCode field; a body that is neither yields -1, per the worker's
// "store -1 on parse failure" fallback.
func (c *Client) Wait(ctx context.Context, id string) (int64, error) {
	endpoint := fmt.Sprintf("/containers/%s/wait", id)
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, unexpectedStatus(endpoint, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return -1, nil
	}
	if code, perr := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64); perr == nil {
		return code, nil
	}
	var payload struct {
		StatusCode int64 `json:"StatusCode"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return -1, nil
	}
	return payload.StatusCode, nil
}

// GetArchive fetches path out of the container as a tar stream.
func (c *Client) GetArchive(ctx context.Context, id, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("/containers/%s/archive?path=%s", id, url.QueryEscape(path))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(endpoint, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainer, err, "read archive body").With("path", path)
	}
	return data, nil
}

// Delete force-removes a container. Callers typically treat failure as
// best-effort and only log it.
func (c *Client) Delete(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("/containers/%s?force=1", id)
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(endpoint, resp)
	}
	return nil
}
