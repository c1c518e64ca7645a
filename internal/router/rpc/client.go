package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/types"
)

// Client is the Gateway's handle onto a Router process, talking the same
// plain net/http + JSON surface Handler exposes. This is the "unary RPC"
// of spec.md §6 realized without a framework, matching the teacher's own
// avoidance of gRPC.
type Client struct {
	baseURL string
	http    *http.Client
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration // defaults to 5s, the hard ceiling of §5
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: cfg.BaseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) RoutePrivate(ctx context.Context, sender, recipient, msgID string, content []byte, clientTS int64) (router.PrivateResult, error) {
	req := routePrivateRequest{Sender: sender, Recipient: recipient, MsgID: msgID, Content: content, ClientTS: clientTS}
	var resp routePrivateResponse
	if err := c.call(ctx, "/v1/route-private-message", req, &resp); err != nil {
		return router.PrivateResult{}, err
	}
	return router.PrivateResult{Sequence: resp.Sequence, Path: types.Path(resp.Path), Duplicate: resp.Duplicate}, nil
}

func (c *Client) RouteGroup(ctx context.Context, sender, group, msgID string, content []byte, clientTS int64) (router.GroupResult, error) {
	req := routeGroupRequest{Sender: sender, Group: group, MsgID: msgID, Content: content, ClientTS: clientTS}
	var resp routeGroupResponse
	if err := c.call(ctx, "/v1/route-group-message", req, &resp); err != nil {
		return router.GroupResult{}, err
	}
	return router.GroupResult{Sequence: resp.Sequence, Duplicate: resp.Duplicate}, nil
}

func (c *Client) GetMessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error) {
	var resp messageStatusResponse
	query := url.Values{"msg_id": {msgID}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/get-message-status?"+query, nil)
	if err != nil {
		return "", types.Internal(err, "build get_message_status request")
	}
	if err := c.do(httpReq, &resp); err != nil {
		return "", err
	}
	return types.DeliveryState(resp.Status), nil
}

func (c *Client) call(ctx context.Context, path string, reqBody, respBody any) error {
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return types.Internal(err, "encode request body for %s", path)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return types.Internal(err, "build request for %s", path)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, respBody)
}

func (c *Client) do(httpReq *http.Request, respBody any) error {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return types.Unavailable(err, "call router %s", httpReq.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return types.NewError(types.Code(errResp.Code), errResp.Message, nil)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return types.Internal(err, "decode response from %s", httpReq.URL.Path)
	}
	return nil
}
