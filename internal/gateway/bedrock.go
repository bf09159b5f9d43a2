package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentops/governor/internal/usage"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockOptions control how the Bedrock adapter is initialised.
type BedrockOptions struct {
	ID              usage.ProviderID
	Region          string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ModelID         string
}

// Bedrock invokes Anthropic-format models hosted on Amazon Bedrock.
type Bedrock struct {
	id     usage.ProviderID
	client *bedrockruntime.Client
	opts   BedrockOptions
}

func NewBedrock(ctx context.Context, opts BedrockOptions) (*Bedrock, error) {
	if opts.Region == "" {
		return nil, errors.New("bedrock: region required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("bedrock: model id required")
	}
	if opts.ID == "" {
		opts.ID = "bedrock"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		staticProvider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(staticProvider))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = opts.Region
	}

	return &Bedrock{
		id:     opts.ID,
		client: bedrockruntime.NewFromConfig(awsCfg),
		opts:   opts,
	}, nil
}

func (b *Bedrock) ID() usage.ProviderID { return b.id }

func (b *Bedrock) Call(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := bedrockAnthropicRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		System:           req.System,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, b.wrap(KindUnknown, err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.opts.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return Response{}, b.classify(err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return Response{}, b.wrap(KindUnknown, fmt.Errorf("decode response: %w", err))
	}

	return Response{
		Text:       parsed.joinText(),
		Model:      b.opts.ModelID,
		StopReason: parsed.StopReason,
		TokensIn:   parsed.Usage.InputTokens,
		TokensOut:  parsed.Usage.OutputTokens,
	}, nil
}

func (b *Bedrock) classify(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return b.wrap(KindRateLimited, err)
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return b.wrap(KindAuth, err)
	}
	if strings.Contains(err.Error(), "ExpiredToken") || strings.Contains(err.Error(), "UnrecognizedClient") {
		return b.wrap(KindAuth, err)
	}
	return b.wrap(transportKind(err), err)
}

func (b *Bedrock) wrap(kind ErrorKind, err error) error {
	return &ProviderError{Provider: b.id, Kind: kind, Err: err}
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}
