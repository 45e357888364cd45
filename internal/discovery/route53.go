package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const ssmParameterPrefix = "/turnip/instances/"

// instanceRecord is stored in SSM so an out-of-band deregistration job (e.g.
// a Lambda reacting to an EC2 termination event) can find what to delete
// without needing to ask the instance itself.
type instanceRecord struct {
	PrivateIP    string `json:"private_ip"`
	RecordName   string `json:"record_name"`
	HostedZoneID string `json:"hosted_zone_id"`
}

// Route53Manager registers a turnipd instance as one value of a Route53
// multivalue-answer A record, for roles fronted by DNS round-robin rather
// than a load balancer with its own target-registration API.
type Route53Manager struct {
	hostedZoneID string
	recordName   string
	instanceID   string
	privateIP    string
	r53Client    *route53.Client
	ssmClient    *ssm.Client
	logger       *slog.Logger
}

func NewRoute53Manager(ctx context.Context, hostedZoneID, recordName string, logger *slog.Logger) (*Route53Manager, error) {
	identity, err := loadInstanceIdentity(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(identity.Region))
	if err != nil {
		return nil, err
	}
	return &Route53Manager{
		hostedZoneID: hostedZoneID,
		recordName:   recordName,
		instanceID:   identity.InstanceID,
		privateIP:    identity.PrivateIP,
		r53Client:    route53.NewFromConfig(cfg),
		ssmClient:    ssm.NewFromConfig(cfg),
		logger:       logger,
	}, nil
}

// Register upserts this instance's multivalue record and records the
// instance's DNS binding in SSM for later deregistration.
func (m *Route53Manager) Register(ctx context.Context) error {
	if err := m.changeRecord(ctx, r53types.ChangeActionUpsert); err != nil {
		return fmt.Errorf("create dns record: %w", err)
	}
	m.logger.Info("registered dns record", "name", m.recordName, "ip", m.privateIP, "instance_id", m.instanceID)

	data := instanceRecord{PrivateIP: m.privateIP, RecordName: m.recordName, HostedZoneID: m.hostedZoneID}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	paramName := ssmParameterPrefix + m.instanceID
	_, err = m.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
		Name: aws.String(paramName), Value: aws.String(string(blob)),
		Type: ssmtypes.ParameterTypeString, Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("store ssm parameter: %w", err)
	}
	m.logger.Info("stored instance record in ssm", "parameter", paramName)
	return nil
}

// Deregister removes the DNS record and its SSM tracking entry.
func (m *Route53Manager) Deregister(ctx context.Context) error {
	err := m.changeRecord(ctx, r53types.ChangeActionDelete)
	if err != nil {
		m.logger.Error("failed to delete dns record", "err", err)
	} else {
		m.logger.Info("deleted dns record", "instance_id", m.instanceID)
	}

	paramName := ssmParameterPrefix + m.instanceID
	if _, ssmErr := m.ssmClient.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(paramName)}); ssmErr != nil {
		m.logger.Error("failed to delete ssm parameter", "err", ssmErr)
	} else {
		m.logger.Info("deleted ssm parameter", "parameter", paramName)
	}
	return err
}

func (m *Route53Manager) changeRecord(ctx context.Context, action r53types.ChangeAction) error {
	_, err := m.r53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(m.hostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String(fmt.Sprintf("turnipd instance %s", m.instanceID)),
			Changes: []r53types.Change{{
				Action: action,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name:             aws.String(m.recordName),
					Type:             r53types.RRTypeA,
					TTL:              aws.Int64(10),
					SetIdentifier:    aws.String(m.instanceID),
					MultiValueAnswer: aws.Bool(true),
					ResourceRecords:  []r53types.ResourceRecord{{Value: aws.String(m.privateIP)}},
				},
			}},
		},
	})
	return err
}
