package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/evpulse/internal/normalize"
	"github.com/langchou/evpulse/internal/pipeline"
	"github.com/langchou/evpulse/internal/quota"
)

// 额度计数使用的数据源名
const (
	SourceStations = "stations"
	SourceWeather  = "weather"
	SourceTraffic  = "traffic"
	SourceUsage    = "usage"
)

// StatusError 采集网关返回非 2xx
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Path, e.StatusCode, e.Body)
}

// Client 采集网关客户端，实现全部数据源接口
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	quota      *quota.Monitor
	logger     *zap.Logger
}

var (
	_ pipeline.StationSource = (*Client)(nil)
	_ pipeline.WeatherSource = (*Client)(nil)
	_ pipeline.TrafficSource = (*Client)(nil)
	_ pipeline.UsageSource   = (*Client)(nil)
)

// NewClient 创建采集网关客户端；monitor 为 nil 时不限额度
func NewClient(baseURL, token string, timeout time.Duration, monitor *quota.Monitor, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		quota:      monitor,
		logger:     logger,
	}
}

// Sources 以本客户端作为全部数据源
func (c *Client) Sources() pipeline.Sources {
	return pipeline.Sources{Stations: c, Weather: c, Traffic: c, Usage: c}
}

// apiResponse 通用响应结构
type apiResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// FetchStations 站点登记
func (c *Client) FetchStations(ctx context.Context) ([]normalize.RawStation, error) {
	var out []normalize.RawStation
	err := c.get(ctx, SourceStations, "/api/v1/stations", nil, &out)
	return out, err
}

// FetchWeather 天气观测
func (c *Client) FetchWeather(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawWeather, error) {
	var out []normalize.RawWeather
	err := c.get(ctx, SourceWeather, "/api/v1/weather", windowQuery(stationIDs, from, to), &out)
	return out, err
}

// FetchTraffic 交通观测
func (c *Client) FetchTraffic(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawTraffic, error) {
	var out []normalize.RawTraffic
	err := c.get(ctx, SourceTraffic, "/api/v1/traffic", windowQuery(stationIDs, from, to), &out)
	return out, err
}

// FetchSessions 充电会话
func (c *Client) FetchSessions(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawSession, error) {
	var out []normalize.RawSession
	err := c.get(ctx, SourceUsage, "/api/v1/sessions", windowQuery(stationIDs, from, to), &out)
	return out, err
}

// FetchStatusEvents 充电桩状态事件
func (c *Client) FetchStatusEvents(ctx context.Context, stationIDs []string, from, to time.Time) ([]normalize.RawStatusEvent, error) {
	var out []normalize.RawStatusEvent
	err := c.get(ctx, SourceUsage, "/api/v1/status-events", windowQuery(stationIDs, from, to), &out)
	return out, err
}

func windowQuery(stationIDs []string, from, to time.Time) url.Values {
	q := url.Values{}
	q.Set("station_ids", strings.Join(stationIDs, ","))
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	return q
}

// get 检查额度后执行带认证的 GET，并解码 response 字段
func (c *Client) get(ctx context.Context, source, path string, query url.Values, out any) error {
	if c.quota != nil {
		if err := c.quota.Reserve(ctx, source, 1); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != "" {
		return fmt.Errorf("%s: %s", path, apiResp.Error)
	}
	if len(apiResp.Response) == 0 || string(apiResp.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(apiResp.Response, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	c.logger.Debug("Fetched collector payload",
		zap.String("source", source),
		zap.String("path", path),
		zap.Int("bytes", len(body)))
	return nil
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "evpulse/1.0")

	return c.httpClient.Do(req)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
