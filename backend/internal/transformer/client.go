package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrUnavailable = errors.New("transform service unavailable")
	ErrBadResponse = errors.New("transform service bad response")
)

type Request struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	Mode     string `json:"mode"`
	Layers   []int  `json:"layers,omitempty"`
}

type Result struct {
	Success            bool            `json:"success"`
	TransformedContent string          `json:"transformedContent"`
	Diagnostics        json.RawMessage `json:"diagnostics,omitempty"`
}

// Transformer 外部代码变换服务的唯一接口
type Transformer interface {
	Transform(ctx context.Context, req Request) (Result, error)
}

// HTTPClient 通过 POST JSON 调用变换服务
type HTTPClient struct {
	url  string
	http *http.Client
}

var _ Transformer = (*HTTPClient)(nil)

// NewHTTPClient timeout 是单次请求的兜底超时，调用方的 ctx 通常更短
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{url: url, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Transform(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return res, nil
}
