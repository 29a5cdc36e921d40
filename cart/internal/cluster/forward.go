package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/shared/httpx"
	"shopping-cart-service/shared/metricsx"
)

// Forwarder delivers a command to the node at addr.
type Forwarder interface {
	Forward(ctx context.Context, addr string, cartID string, cmd domain.Command) (domain.Summary, error)
}

// ForwardPath is the internal route that receives forwarded commands.
func ForwardPath(cartID string) string {
	return "/internal/v1/carts/" + url.PathEscape(cartID) + "/commands"
}

type HTTPForwarder struct {
	client *http.Client
	nodeID string
}

func NewHTTPForwarder(client *http.Client, nodeID string) *HTTPForwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPForwarder{client: client, nodeID: nodeID}
}

func (f *HTTPForwarder) Forward(ctx context.Context, addr string, cartID string, cmd domain.Command) (domain.Summary, error) {
	body, err := json.Marshal(EncodeCommand(cmd))
	if err != nil {
		return domain.Summary{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+ForwardPath(cartID), bytes.NewReader(body))
	if err != nil {
		return domain.Summary{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.nodeID != "" {
		req.Header.Set(httpx.HeaderForwardedBy, f.nodeID)
	}
	if id := httpx.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metricsx.IncForwarded("transport_error")
		if ctx.Err() != nil {
			return domain.Summary{}, ctx.Err()
		}
		return domain.Summary{}, fmt.Errorf("%w: forward to %s: %v", ErrUnavailable, addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodyBytes))
	if err != nil {
		metricsx.IncForwarded("transport_error")
		return domain.Summary{}, fmt.Errorf("%w: read reply from %s: %v", ErrUnavailable, addr, err)
	}
	if resp.StatusCode == http.StatusOK {
		var sum domain.Summary
		if err := json.Unmarshal(raw, &sum); err != nil {
			metricsx.IncForwarded("bad_reply")
			return domain.Summary{}, fmt.Errorf("decode reply from %s: %w", addr, err)
		}
		metricsx.IncForwarded("ok")
		return sum, nil
	}

	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		metricsx.IncForwarded("bad_reply")
		return domain.Summary{}, fmt.Errorf("%w: %s answered %d", ErrUnavailable, addr, resp.StatusCode)
	}
	metricsx.IncForwarded("error")
	return domain.Summary{}, ErrorFromCode(env.Error.Code, env.Error.Message)
}
