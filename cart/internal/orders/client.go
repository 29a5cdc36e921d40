// Package orders turns checked-out carts into order requests for the order service.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/httpx"
)

var (
	ErrCircuitOpen = errors.New("order service circuit open")
	// ErrRejected is a 4xx answer other than 409; retrying the same request will not help.
	ErrRejected = errors.New("order rejected")
)

type OrderItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type OrderRequest struct {
	CartID string      `json:"cart_id"`
	Items  []OrderItem `json:"items"`
}

// NewOrderRequest lists the summary's items in item id order.
func NewOrderRequest(cartID string, sum domain.Summary) OrderRequest {
	ids := sum.ItemIDs()
	items := make([]OrderItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, OrderItem{ItemID: id, Quantity: sum.Items[id]})
	}
	return OrderRequest{CartID: cartID, Items: items}
}

type Client struct {
	baseURL  string
	token    string
	retryMax int
	retry    backoffx.Policy
	http     *http.Client
	breaker  *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.OrderServiceURL == "" {
		return nil, errors.New("ORDER_SERVICE_URL is required")
	}
	return NewClient(cfg.OrderServiceURL, cfg.OrderServiceToken, httpx.NewClient(cfg.OrderTimeout()), cfg.OrderRetryMax), nil
}

func NewClient(baseURL string, token string, client *http.Client, retryMax int) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		retryMax: retryMax,
		retry:    backoffx.Policy{Min: 100 * time.Millisecond, Max: time.Second, Jitter: 0.1},
		http:     client,
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}
}

// Send posts req with the cart id as idempotency key. A 409 means the order already exists and
// counts as delivered.
func (c *Client) Send(ctx context.Context, req OrderRequest) error {
	if c == nil || c.http == nil {
		return errors.New("order client not initialized")
	}
	if c.breaker.Open() {
		return ErrCircuitOpen
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	b := c.retry.New()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			if err := backoffx.Sleep(ctx, b.NextBackOff()); err != nil {
				return err
			}
		}
		retry, err := c.post(ctx, req.CartID, body)
		if err == nil {
			c.breaker.Success()
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		c.breaker.Fail()
		if c.breaker.Open() {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("order request failed")
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, cartID string, body []byte) (retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", cartID)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpx.MaxBodyBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return false, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("order service answered %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("%w: order service answered %d", ErrRejected, resp.StatusCode)
	}
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
	now           func() time.Time
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset, now: time.Now}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if b.now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
