// internal/common/camunda/client.go
package camunda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"application-lifecycle/internal/common/config"
)

// Client owns the gateway connection shared by every job worker.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	CACertPath             string
	OAuth                  *zbc.OAuthProviderConfig
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
}

// ConfigFrom maps the camunda config section. OAuth is set only when a
// client id is configured.
func ConfigFrom(cfg config.CamundaConfig) *ClientConfig {
	cc := &ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: !cfg.TLS && cfg.ClientID == "",
		CACertPath:             cfg.CACertPath,
		ConnectionTimeout:      10 * time.Second,
		RequestTimeout:         time.Duration(cfg.RequestTimeout) * time.Millisecond,
	}
	if cfg.ClientID != "" {
		cc.OAuth = &zbc.OAuthProviderConfig{
			ClientID:               cfg.ClientID,
			ClientSecret:           cfg.ClientSecret,
			AuthorizationServerURL: cfg.AuthURL,
			Audience:               cfg.Audience,
		}
	}
	return cc
}

// NewClientWithConfig dials the gateway and returns only once it answers
// a topology request.
func NewClientWithConfig(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config.GatewayAddress == "" {
		return nil, errors.New("zeebe gateway address is empty")
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	zcfg := &zbc.ClientConfig{
		GatewayAddress:         config.GatewayAddress,
		UsePlaintextConnection: config.UsePlaintextConnection,
		CaCertificatePath:      config.CACertPath,
	}
	if config.OAuth != nil {
		provider, err := zbc.NewOAuthCredentialsProvider(config.OAuth)
		if err != nil {
			return nil, fmt.Errorf("zeebe oauth provider: %w", err)
		}
		zcfg.CredentialsProvider = provider
	}

	zeebeClient, err := zbc.NewClient(zcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()

	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", config.GatewayAddress, err)
	}

	return &Client{
		client: zeebeClient,
		config: config,
	}, nil
}

func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck asks the gateway for its topology, bounded by the request
// timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = c.config.ConnectionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}

// IsRetryable reports whether a gateway error is transient. gRPC status
// codes decide when present; plain network errors fall back to the message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"broken pipe",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
