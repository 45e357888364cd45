// Package discovery is turnipd's optional self-registration layer: a
// fronting load balancer or DNS zone needs to find whichever turnipd
// instances are currently serving a given role, and AWS Cloud Map /
// Route53 are the two registries the teacher already integrates with (EC2
// IMDS instance metadata -> Cloud Map custom-health heartbeat, or a
// Route53 multivalue record plus an SSM-tracked record of what to remove
// later). Adapted from the teacher's internal/cloudmap and internal/route53:
// same IMDS lookups and AWS SDK v2 clients, repointed at whichever role's
// own health endpoint is actually listening instead of a hardcoded
// localhost:8080/healthz, and consolidated into one package since both
// managers share the same "who am I" bootstrap.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// instanceIdentity is the EC2 metadata this package needs to register
// itself: who it is, where it lives, and which AWS region its clients
// should talk to.
type instanceIdentity struct {
	InstanceID string
	PrivateIP  string
	Region     string
}

func loadInstanceIdentity(ctx context.Context) (instanceIdentity, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return instanceIdentity{}, fmt.Errorf("load aws config: %w", err)
	}
	imdsClient := imds.NewFromConfig(cfg)

	instanceID, err := imdsGet(ctx, imdsClient, "instance-id")
	if err != nil {
		return instanceIdentity{}, fmt.Errorf("get instance id: %w", err)
	}
	privateIP, err := imdsGet(ctx, imdsClient, "local-ipv4")
	if err != nil {
		return instanceIdentity{}, fmt.Errorf("get private ip: %w", err)
	}
	region, err := imdsRegion(ctx, imdsClient)
	if err != nil {
		return instanceIdentity{}, fmt.Errorf("get region: %w", err)
	}
	return instanceIdentity{InstanceID: instanceID, PrivateIP: privateIP, Region: region}, nil
}

func imdsGet(ctx context.Context, client *imds.Client, path string) (string, error) {
	output, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer output.Content.Close()
	b, err := io.ReadAll(output.Content)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func imdsRegion(ctx context.Context, client *imds.Client) (string, error) {
	region, err := imdsGet(ctx, client, "placement/region")
	if err == nil {
		return region, nil
	}
	output, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "dynamic/instance-identity/document"})
	if err != nil {
		return "", err
	}
	defer output.Content.Close()
	var doc struct {
		Region string `json:"region"`
	}
	if err := json.NewDecoder(output.Content).Decode(&doc); err != nil {
		return "", err
	}
	return doc.Region, nil
}
