package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

// ErrUnavailable is returned while the last health check failed. The
// pipeline treats it like any other failure and labels the window UNKNOWN.
var ErrUnavailable = errors.New("behavior model unavailable")

// Client talks to the external behavior classifier. It satisfies
// analysis.Classifier.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig

	healthy atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

// DefaultClientConfig keeps retries short; Predict runs once per window on
// the realtime path.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             5 * time.Second,
		MaxRetries:          1,
		RetryDelay:          200 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

type PredictRequest struct {
	Timestamp int64              `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

type PredictResponse struct {
	Behavior     string  `json:"behavior"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// NewClient checks the service once and starts the background health
// checker. A service that is down at startup is not an error.
func NewClient(baseURL string, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger.Named("ml"),
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		client.logger.Warn("ML service not available at startup", zap.Error(err))
	}

	if config.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client
}

// Healthy reports the result of the most recent health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// Predict labels one feature vector, retrying transient failures with a
// linear back-off.
func (c *Client) Predict(ctx context.Context, features models.FeatureVector) (string, error) {
	if !c.Healthy() {
		return "", ErrUnavailable
	}

	request := &PredictRequest{Timestamp: features.Timestamp, Features: features.Values}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying behavior prediction",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.executePredictRequest(ctx, request)
		if err == nil {
			if resp.Behavior == "" {
				return models.BehaviorUnknown, nil
			}
			return resp.Behavior, nil
		}
		lastErr = err
	}

	return "", fmt.Errorf("behavior prediction failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) executePredictRequest(ctx context.Context, request *PredictRequest) (*PredictResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/predict", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "drive-score/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("ML service error (status %d): %s", response.StatusCode, string(bodyBytes))
	}

	var predictResponse PredictResponse
	if err := json.NewDecoder(response.Body).Decode(&predictResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &predictResponse, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	err := c.healthCheck(ctx)
	c.healthy.Store(err == nil)
	return err
}

func (c *Client) healthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}
	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			wasHealthy := c.Healthy()
			err := c.HealthCheck(ctx)
			cancel()
			switch {
			case err != nil && wasHealthy:
				c.logger.Error("ML service health check failed", zap.Error(err))
			case err == nil && !wasHealthy:
				c.logger.Info("ML service is back")
			default:
				c.logger.Debug("ML service health check", zap.Bool("healthy", err == nil))
			}
		}
	}
}

// GetModelInfo returns whatever the service reports about its loaded model.
func (c *Client) GetModelInfo(ctx context.Context) (map[string]any, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]any
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}
	return modelInfo, nil
}

// Close stops the health checker.
func (c *Client) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
