package discovery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	sdtypes "github.com/aws/aws-sdk-go-v2/service/servicediscovery/types"
)

const heartbeatInterval = 10 * time.Second

// CloudMapManager registers a turnipd instance with AWS Cloud Map and keeps
// its custom health status current by polling the role's own health
// endpoint, the way a load balancer health check would.
type CloudMapManager struct {
	serviceID  string
	instanceID string
	privateIP  string
	healthURL  string
	client     *servicediscovery.Client
	httpClient *http.Client
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCloudMapManager fetches EC2 instance metadata and prepares a Cloud Map
// client; healthURL is polled each heartbeat (e.g. "http://127.0.0.1:8080/healthz"
// for whichever role's own listener this instance is running).
func NewCloudMapManager(ctx context.Context, serviceID, healthURL string, logger *slog.Logger) (*CloudMapManager, error) {
	identity, err := loadInstanceIdentity(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(identity.Region))
	if err != nil {
		return nil, err
	}
	return &CloudMapManager{
		serviceID:  serviceID,
		instanceID: identity.InstanceID,
		privateIP:  identity.PrivateIP,
		healthURL:  healthURL,
		client:     servicediscovery.NewFromConfig(cfg),
		httpClient: &http.Client{Timeout: 2 * time.Second},
		logger:     logger,
	}, nil
}

// Start registers the instance and begins the health heartbeat loop.
func (m *CloudMapManager) Start(ctx context.Context) error {
	output, err := m.client.RegisterInstance(ctx, &servicediscovery.RegisterInstanceInput{
		ServiceId:        aws.String(m.serviceID),
		InstanceId:       aws.String(m.instanceID),
		CreatorRequestId: aws.String(time.Now().Format(time.RFC3339)),
		Attributes: map[string]string{
			"AWS_INSTANCE_IPV4":      m.privateIP,
			"AWS_INIT_HEALTH_STATUS": string(sdtypes.CustomHealthStatusUnhealthy),
		},
	})
	if err != nil {
		return err
	}
	m.logger.Info("registered with cloud map",
		"operation_id", output.OperationId, "service_id", m.serviceID,
		"instance_id", m.instanceID, "private_ip", m.privateIP)

	hbCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		time.Sleep(5 * time.Second)
		m.heartbeatLoop(hbCtx)
	}()
	return nil
}

// Stop stops the heartbeat loop and deregisters the instance.
func (m *CloudMapManager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	_, err := m.client.DeregisterInstance(ctx, &servicediscovery.DeregisterInstanceInput{
		ServiceId:  aws.String(m.serviceID),
		InstanceId: aws.String(m.instanceID),
	})
	if err != nil {
		m.logger.Error("failed to deregister from cloud map", "err", err)
	} else {
		m.logger.Info("deregistered from cloud map", "instance_id", m.instanceID)
	}
}

func (m *CloudMapManager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	m.updateHealthStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateHealthStatus(ctx)
		}
	}
}

func (m *CloudMapManager) updateHealthStatus(ctx context.Context) {
	status := sdtypes.CustomHealthStatusHealthy
	if !m.checkHealth() {
		status = sdtypes.CustomHealthStatusUnhealthy
	}
	_, err := m.client.UpdateInstanceCustomHealthStatus(ctx, &servicediscovery.UpdateInstanceCustomHealthStatusInput{
		ServiceId:  aws.String(m.serviceID),
		InstanceId: aws.String(m.instanceID),
		Status:     status,
	})
	if err != nil {
		m.logger.Warn("failed to update cloud map health status", "err", err, "status", status)
	}
}

func (m *CloudMapManager) checkHealth() bool {
	resp, err := m.httpClient.Get(m.healthURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
