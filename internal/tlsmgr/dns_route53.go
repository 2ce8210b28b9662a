package tlsmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// Route53Provider manages TXT records through the AWS SDK using
// UPSERT/DELETE change batches. An UPSERT waits for INSYNC; a DELETE
// returns once the change is submitted.
type Route53Provider struct {
	client *route53.Client
}

func NewRoute53Provider(ctx context.Context, accessKeyID, secretAccessKey, region string) (*Route53Provider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return &Route53Provider{client: route53.NewFromConfig(cfg)}, nil
}

func (p *Route53Provider) VerifyCredentials(ctx context.Context) error {
	_, err := p.client.ListHostedZones(ctx, &route53.ListHostedZonesInput{
		MaxItems: aws.Int32(1),
	})
	return err
}

// GetZoneID finds the hosted zone by apex-domain descent.
func (p *Route53Provider) GetZoneID(ctx context.Context, domain string) (string, error) {
	labels := strings.Split(domain, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".") + "."
		out, err := p.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
			DNSName:  aws.String(candidate),
			MaxItems: aws.Int32(1),
		})
		if err != nil {
			return "", err
		}
		for _, zone := range out.HostedZones {
			if aws.ToString(zone.Name) == candidate {
				return strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/"), nil
			}
		}
	}
	return "", fmt.Errorf("route53: no hosted zone found for %q", domain)
}

// CreateTXTRecord UPSERTs the record and blocks until the change is INSYNC.
// The returned record id encodes name and value for the later delete batch.
func (p *Route53Provider) CreateTXTRecord(ctx context.Context, zoneID, name, value string, ttl int) (string, error) {
	change, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch:  txtChangeBatch(types.ChangeActionUpsert, name, value, ttl),
	})
	if err != nil {
		return "", err
	}
	if err := p.waitInSync(ctx, aws.ToString(change.ChangeInfo.Id)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s|%d", name, value, ttl), nil
}

func (p *Route53Provider) DeleteTXTRecord(ctx context.Context, zoneID, recordID string) error {
	parts := strings.SplitN(recordID, "|", 3)
	if len(parts) != 3 {
		return fmt.Errorf("route53: malformed record id %q", recordID)
	}
	ttl := 120
	fmt.Sscanf(parts[2], "%d", &ttl)
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch:  txtChangeBatch(types.ChangeActionDelete, parts[0], parts[1], ttl),
	})
	return err
}

func txtChangeBatch(action types.ChangeAction, name, value string, ttl int) *types.ChangeBatch {
	return &types.ChangeBatch{
		Changes: []types.Change{{
			Action: action,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name: aws.String(name),
				Type: types.RRTypeTxt,
				TTL:  aws.Int64(int64(ttl)),
				ResourceRecords: []types.ResourceRecord{
					{Value: aws.String(fmt.Sprintf("%q", value))},
				},
			},
		}},
	}
}

// waitInSync polls GetChange every 2 s until INSYNC or ~60 s elapse.
func (p *Route53Provider) waitInSync(ctx context.Context, changeID string) error {
	for attempt := 0; attempt < 30; attempt++ {
		out, err := p.client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
		if err != nil {
			return err
		}
		if out.ChangeInfo.Status == types.ChangeStatusInsync {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("route53: change %s never reached INSYNC", changeID)
}
