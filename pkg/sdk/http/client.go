package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client 对 resty 的薄封装，供各 broker adapter 复用。
//
// 注意：这里不做业务层重试。订单提交的重试语义（只重试
// transport 错误、指数退避、可取消）由 OMS 统一控制，
// 所以 resty 自带的 RetryCount 必须保持为 0。
type Client struct {
	client *resty.Client
}

// NewClient 创建新的 HTTP 客户端
func NewClient(host string) *Client {
	if strings.HasSuffix(host, "/") {
		host = host[:len(host)-1]
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(30 * time.Second)

	return &Client{client: client}
}

// SetHeader 设置 client 级默认 Header（如 API key）
func (c *Client) SetHeader(key, value string) *Client {
	c.client.SetHeader(key, value)
	return c
}

// RequestOptions 单次请求的可选参数
type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]string
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	return r
}

// DoRequest 执行请求；out 不为 nil 时自动反序列化响应体
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParams(opt.Params)
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	switch strings.ToUpper(method) {
	case http.MethodGet:
		return rc.Get(endpoint)
	case http.MethodPost:
		return rc.Post(endpoint)
	case http.MethodDelete:
		return rc.Delete(endpoint)
	case http.MethodPut:
		return rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

// ParseHTTPError 将非 2xx 响应转换为带响应体的错误。
// err != nil 表示 transport 层失败（连接/超时），原样返回；
// 非 2xx 表示 broker 侧拒绝，由调用方映射为 REJECTED 结果。
func ParseHTTPError(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	var body any
	b := resp.Body()
	_ = json.Unmarshal(b, &body)
	if body == nil {
		body = string(b)
	}
	return errors.Errorf("http %d: %v", resp.StatusCode(), body)
}
