// pkg/pubsub/client.go
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultPublishTimeout = 15 * time.Second

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopic           = errors.New("pubsub notification topic is required")
)

// NewClient creates a Pub/Sub v2 client and ensures the notification topic exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}

	var opts []option.ClientOption
	if creds := strings.TrimSpace(gcp.CredentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:    psClient,
		projectID: gcp.ProjectID,
		cfg:       cfg,
	}

	if err := c.ensureTopicExists(ctx, cfg.NotificationTopic); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(ctx, "pubsub client initialized")
	}

	return c, nil
}

func (c *Client) ensureTopicExists(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errNoTopic
	}
	fullName := c.topicResourceName(name)
	if fullName == "" {
		return fmt.Errorf("topic %q not configured", name)
	}

	_, err := c.client.TopicAdminClient.GetTopic(
		ctx,
		&pubsubpb.GetTopicRequest{Topic: fullName},
	)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("topic %q does not exist", name)
		}
		return fmt.Errorf("checking topic %q: %w", name, err)
	}
	return nil
}

// Publisher returns a publisher handle for the given topic ID/resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.topicResourceName(name)
	if fullName == "" {
		return nil
	}
	return c.client.Publisher(fullName)
}

// NotificationPublisher returns an ordered publisher for the notification topic.
func (c *Client) NotificationPublisher() *OrderedPublisher {
	p := c.Publisher(c.cfg.NotificationTopic)
	if p == nil {
		return nil
	}
	p.EnableMessageOrdering = true
	return NewOrderedPublisher(p, c.cfg.PublishTimeout)
}

// Ping verifies Pub/Sub connectivity by checking the notification topic exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.ensureTopicExists(ctx, c.cfg.NotificationTopic)
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) topicResourceName(name string) string {
	return topicResourceName(c.projectID, name)
}

func topicResourceName(projectID, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", p, n)
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type orderedTopic interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

// OrderedPublisher publishes messages with an ordering key and waits for the
// server id. A failed publish resumes the key so later messages are accepted.
type OrderedPublisher struct {
	topic   orderedTopic
	timeout time.Duration
}

func NewOrderedPublisher(p *pubsub.Publisher, timeout time.Duration) *OrderedPublisher {
	return newOrderedPublisher(&gcpTopic{Publisher: p}, timeout)
}

func newOrderedPublisher(topic orderedTopic, timeout time.Duration) *OrderedPublisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &OrderedPublisher{topic: topic, timeout: timeout}
}

// Publish sends data and returns the Pub/Sub message id.
func (p *OrderedPublisher) Publish(ctx context.Context, orderingKey string, data []byte, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("publisher not configured")
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if result == nil {
		return "", errors.New("publish returned nil result")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	id, err := result.Get(waitCtx)
	if err != nil {
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

type gcpTopic struct {
	*pubsub.Publisher
}

func (t *gcpTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	if t == nil || t.Publisher == nil {
		return nil
	}
	return t.Publisher.Publish(ctx, msg)
}
