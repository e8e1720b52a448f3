// Package control registers the indexer with a flowctl control plane and
// keeps it informed through periodic heartbeats.
package control

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	pb "github.com/withobsrvr/flowctl/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type MetricsProvider interface {
	GetMetrics() map[string]float64
}

type HealthChecker interface {
	IsHealthy() bool
	GetHealthDetails() map[string]string
}

type Client struct {
	conn            *grpc.ClientConn
	client          pb.ControlPlaneClient
	serviceInfo     *pb.ServiceInfo
	metricsProvider MetricsProvider
	healthChecker   HealthChecker
	log             *logrus.Entry
}

func NewClient(endpoint, serviceID, serviceName string, log *logrus.Entry) (*Client, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to control plane")
	}
	return newClient(conn, pb.NewControlPlaneClient(conn), serviceID, serviceName, log), nil
}

func newClient(conn *grpc.ClientConn, client pb.ControlPlaneClient, serviceID, serviceName string, log *logrus.Entry) *Client {
	return &Client{
		conn:   conn,
		client: client,
		serviceInfo: &pb.ServiceInfo{
			ServiceId:   serviceID,
			ServiceType: pb.ServiceType_SERVICE_TYPE_PIPELINE,
			Metadata: map[string]string{
				"service_name": serviceName,
			},
		},
		log: log.WithField("component", "control"),
	}
}

func (c *Client) SetMetricsProvider(mp MetricsProvider) {
	c.metricsProvider = mp
}

func (c *Client) SetHealthChecker(hc HealthChecker) {
	c.healthChecker = hc
}

func (c *Client) Register(ctx context.Context, metadata map[string]string) error {
	for k, v := range metadata {
		c.serviceInfo.Metadata[k] = v
	}

	ack, err := c.client.Register(ctx, c.serviceInfo)
	if err != nil {
		return errors.Wrap(err, "registration failed")
	}
	if ack == nil {
		return errors.New("registration failed: nil acknowledgment")
	}

	c.log.WithField("service_id", ack.ServiceId).Info("registered with control plane")
	return nil
}

// StartHeartbeat sends a heartbeat every interval until ctx is done. Failed
// heartbeats are logged and retried on the next tick.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				c.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	metrics := make(map[string]float64)
	if c.metricsProvider != nil {
		metrics = c.metricsProvider.GetMetrics()
	}
	if c.healthChecker != nil {
		healthy := 0.0
		if c.healthChecker.IsHealthy() {
			healthy = 1
		}
		metrics["indexer.healthy"] = healthy
	}

	_, err := c.client.Heartbeat(ctx, &pb.ServiceHeartbeat{
		ServiceId: c.serviceInfo.ServiceId,
		Metrics:   metrics,
	})
	return errors.Wrap(err, "sending heartbeat")
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
