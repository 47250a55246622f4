// Package creds brokers short-lived role credentials for cross-account
// execution. Each approved command gets its own AssumeRole session so the
// audit trail on the target account names the request that ran.
package creds

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/clawdbot/bouncer/internal/executor"
)

// Options configures the broker. AccessKeyID and SecretAccessKey override
// the ambient credential chain when both are set; otherwise the default
// chain (env, shared config, instance role) applies.
type Options struct {
	Region          string
	SessionDuration time.Duration
	ExternalID      string
	SessionPrefix   string
	AccessKeyID     string
	SecretAccessKey string
}

// API is the STS surface the broker uses.
type API interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Broker issues per-invocation credentials via AssumeRole.
type Broker struct {
	client API
	opts   Options
}

// New loads the ambient AWS configuration and returns a broker.
func New(ctx context.Context, opts Options) (*Broker, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Broker{client: sts.NewFromConfig(cfg), opts: opts}, nil
}

// NewWithClient wires an explicit STS client. Tests use this.
func NewWithClient(client API, opts Options) *Broker {
	return &Broker{client: client, opts: opts}
}

// Assume returns credentials for roleARN scoped to one invocation.
// requestID becomes part of the session name on the target account.
func (b *Broker) Assume(ctx context.Context, roleARN, requestID string) (executor.Credentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(SessionName(b.opts.SessionPrefix, requestID)),
		DurationSeconds: aws.Int32(int32(b.opts.SessionDuration / time.Second)),
	}
	if b.opts.ExternalID != "" {
		input.ExternalId = aws.String(b.opts.ExternalID)
	}

	out, err := b.client.AssumeRole(ctx, input)
	if err != nil {
		return executor.Credentials{}, fmt.Errorf("assume role %s: %w", roleARN, err)
	}
	c := out.Credentials
	return executor.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Region:          b.opts.Region,
	}, nil
}

var sessionNameRe = regexp.MustCompile(`[^\w+=,.@-]`)

// SessionName builds a valid role session name from the prefix and request
// id: invalid characters replaced, length capped at 64.
func SessionName(prefix, requestID string) string {
	name := prefix + "-" + requestID
	name = sessionNameRe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
