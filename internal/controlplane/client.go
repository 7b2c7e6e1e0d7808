package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	// KeyHeader 控制面校验的共享密钥请求头
	KeyHeader = models.ControlPlaneKeyHeader

	// DefaultPort 控制面监听端口
	DefaultPort = 8000

	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// StatusError 控制面返回非2xx状态
type StatusError struct {
	Address string
	Path    string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane %s%s returned status %d", e.Address, e.Path, e.Code)
}

// Config 客户端配置
type Config struct {
	SharedSecret string
	Port         int
	Timeout      time.Duration
	Logger       *logrus.Logger
	HTTPClient   *http.Client
}

// Client 访问各工作机控制面的HTTP客户端，按地址寻址
type Client struct {
	secret     string
	port       int
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient 创建控制面客户端
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	// 设置默认值
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		secret:     cfg.SharedSecret,
		port:       cfg.Port,
		httpClient: httpClient,
		logger:     logger,
	}
}

// BaseURL 工作机控制面的根地址
func (c *Client) BaseURL(address string) string {
	// 地址已带端口时直接使用（测试和本地模拟器）
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "http://" + address
	}
	return "http://" + net.JoinHostPort(address, strconv.Itoa(c.port))
}

// Report 获取工作机当前的容器数和容器清单
func (c *Client) Report(ctx context.Context, address string) (*models.ContainerReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, address, "/report", nil)
	if err != nil {
		return nil, err
	}

	var report models.ContainerReport
	if err := c.do(req, address, "/report", &report); err != nil {
		return nil, err
	}
	if report.Count < 0 {
		return nil, fmt.Errorf("control plane %s reported negative count %d", address, report.Count)
	}

	c.logger.Debugf("Collected report from %s: %d containers", address, report.Count)
	return &report, nil
}

// StartContainer 在工作机上为用户启动容器，返回外部可访问的服务URL
func (c *Client) StartContainer(ctx context.Context, address, userID string) (string, error) {
	body, err := json.Marshal(models.StartRequest{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, address, "/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp models.StartResponse
	if err := c.do(req, address, "/start", &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("control plane %s returned no url", address)
	}

	c.logger.Infof("Started container for user %s on %s: %s", userID, address, resp.URL)
	return resp.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, address, path string, body io.Reader) (*http.Request, error) {
	if address == "" {
		return nil, fmt.Errorf("worker address is unknown")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL(address)+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(KeyHeader, c.secret)
	return req, nil
}

func (c *Client) do(req *http.Request, address, path string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s%s: %w", address, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &StatusError{Address: address, Path: path, Code: resp.StatusCode}
	}

	// 解析响应
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s%s: %w", address, path, err)
	}
	return nil
}
