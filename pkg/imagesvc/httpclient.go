package imagesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is the real Service implementation: each of the three
// external proxies (read/write/cdp) becomes one base URL, and every
// call is a JSON POST, replacing the upstream's Ice proxy calls.
type HTTPClient struct {
	ReadAddr  string
	WriteAddr string
	CDPAddr   string

	HTTP *http.Client
}

// NewHTTPClient builds a client with a 30s default request timeout.
func NewHTTPClient(readAddr, writeAddr, cdpAddr string) *HTTPClient {
	return &HTTPClient{
		ReadAddr:  readAddr,
		WriteAddr: writeAddr,
		CDPAddr:   cdpAddr,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) addrFor(role Role) (string, error) {
	switch role {
	case RoleRead:
		return c.ReadAddr, nil
	case RoleWrite:
		return c.WriteAddr, nil
	case RoleCDP:
		return c.CDPAddr, nil
	default:
		return "", fmt.Errorf("imagesvc: unknown role %q", role)
	}
}

type createRequest struct {
	Target    ImageRef   `json:"target"`
	Chain     []ImageRef `json:"chain"`
	DiskBytes int64      `json:"disk_bytes"`
	Flag      string     `json:"flag"`
}

type handleResponse struct {
	RawHandle int64  `json:"raw_handle"`
	Error     string `json:"error,omitempty"`
}

func (c *HTTPClient) postJSON(ctx context.Context, addr, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("imagesvc: request to %s%s failed: %w", addr, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("imagesvc: %s%s returned status %d", addr, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Create implements Service.
func (c *HTTPClient) Create(ctx context.Context, role Role, target ImageRef, chain []ImageRef, diskBytes int64, flag string) (int64, Endpoint, error) {
	addr, err := c.addrFor(role)
	if err != nil {
		return 0, "", err
	}
	var out handleResponse
	if err := c.postJSON(ctx, addr, "/create", createRequest{Target: target, Chain: chain, DiskBytes: diskBytes, Flag: flag}, &out); err != nil {
		return 0, "", err
	}
	if out.RawHandle == 0 || out.RawHandle == -1 {
		return 0, "", fmt.Errorf("imagesvc: create %s failed: handle=%d %s", target.Path, out.RawHandle, out.Error)
	}
	return out.RawHandle, Encode(role, addr), nil
}

type openRequest struct {
	Chain []ImageRef `json:"chain"`
	Flag  string     `json:"flag"`
}

// Open implements Service.
func (c *HTTPClient) Open(ctx context.Context, chain []ImageRef, flag string) (int64, Endpoint, error) {
	var out handleResponse
	if err := c.postJSON(ctx, c.ReadAddr, "/open", openRequest{Chain: chain, Flag: flag}, &out); err != nil {
		return 0, "", err
	}
	if out.RawHandle == 0 || out.RawHandle == -1 {
		return 0, "", fmt.Errorf("imagesvc: open failed: handle=%d %s", out.RawHandle, out.Error)
	}
	return out.RawHandle, Encode(RoleRead, c.ReadAddr), nil
}

type closeRequest struct {
	RawHandle int64 `json:"raw_handle"`
	Force     bool  `json:"force"`
}

// Close implements Service. endpoint is the string form of an Endpoint
// previously returned by Create or Open.
func (c *HTTPClient) Close(ctx context.Context, rawHandle int64, endpoint string) error {
	_, addr, err := Endpoint(endpoint).Decode()
	if err != nil {
		return err
	}
	return c.postJSON(ctx, addr, "/close", closeRequest{RawHandle: rawHandle, Force: true}, nil)
}

type delSnaportResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// DelSnaport implements Service.
func (c *HTTPClient) DelSnaport(ctx context.Context, ref ImageRef) error {
	var out delSnaportResponse
	if err := c.postJSON(ctx, c.WriteAddr, "/del_snaport", ref, &out); err != nil {
		return err
	}
	switch out.Code {
	case 0:
		return nil
	case -2:
		return ErrInUse
	default:
		return fmt.Errorf("imagesvc: del_snaport %s failed: code=%d %s", ref.Path, out.Code, out.Msg)
	}
}

type statusResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPClient) postExpectOK(ctx context.Context, addr, path string, body interface{}) error {
	var out statusResponse
	if err := c.postJSON(ctx, addr, path, body, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("imagesvc: %s%s failed: %s", addr, path, out.Error)
	}
	return nil
}

type removeFileRequest struct {
	Ref ImageRef `json:"ref"`
	CDP bool     `json:"cdp"`
}

// RemoveFile implements Service.
func (c *HTTPClient) RemoveFile(ctx context.Context, ref ImageRef, cdp bool) error {
	return c.postExpectOK(ctx, c.WriteAddr, "/remove_file", removeFileRequest{Ref: ref, CDP: cdp})
}

// DeleteSnapshot implements Service.
func (c *HTTPClient) DeleteSnapshot(ctx context.Context, ref ImageRef) error {
	return c.postExpectOK(ctx, c.WriteAddr, "/delete_snapshot", ref)
}

type mergeCDPRequest struct {
	Chain  []ImageRef `json:"chain"`
	Merge  []ImageRef `json:"merge"`
	Target ImageRef   `json:"target"`
	Flag   string     `json:"flag"`
}

// MergeCDP implements Service.
func (c *HTTPClient) MergeCDP(ctx context.Context, chain []ImageRef, merge []ImageRef, target ImageRef, flag string) error {
	return c.postExpectOK(ctx, c.WriteAddr, "/merge_cdp", mergeCDPRequest{Chain: chain, Merge: merge, Target: target, Flag: flag})
}

type mergeQcowHashRequest struct {
	Children []ImageRef `json:"children"`
	Target   ImageRef   `json:"target"`
}

// MergeQcowHash implements Service.
func (c *HTTPClient) MergeQcowHash(ctx context.Context, children []ImageRef, target ImageRef) error {
	return c.postExpectOK(ctx, c.WriteAddr, "/merge_qcow_hash", mergeQcowHashRequest{Children: children, Target: target})
}

type moveDataRequest struct {
	From   ImageRef   `json:"from"`
	Chain  []ImageRef `json:"chain"`
	Target ImageRef   `json:"target"`
	Flag   string     `json:"flag"`
}

// MoveData implements Service.
func (c *HTTPClient) MoveData(ctx context.Context, from ImageRef, chain []ImageRef, target ImageRef, flag string) error {
	return c.postExpectOK(ctx, c.WriteAddr, "/move_data", moveDataRequest{From: from, Chain: chain, Target: target, Flag: flag})
}
