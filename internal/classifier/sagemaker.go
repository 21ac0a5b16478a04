package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/features"
)

// InvokeAPI is the subset of the SageMaker runtime client used for scoring.
type InvokeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput,
		optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// SageMakerScorer sends the scaled vector to a hosted endpoint as one CSV row.
// The endpoint answers with a bare probability, a CSV pair "p_normal,p_anomaly",
// or JSON {"predictions":[{"score":p,"predicted_label":0|1}]}.
type SageMakerScorer struct {
	client   InvokeAPI
	endpoint string
}

func NewSageMakerScorer(client InvokeAPI, endpoint string) *SageMakerScorer {
	return &SageMakerScorer{client: client, endpoint: endpoint}
}

// NewSageMakerScorerFromEnv builds the runtime client from the default AWS configuration.
func NewSageMakerScorerFromEnv(ctx context.Context, region, endpoint string) (*SageMakerScorer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSageMakerScorer(sagemakerruntime.NewFromConfig(cfg), endpoint), nil
}

func (s *SageMakerScorer) Name() string { return "sagemaker" }

func (s *SageMakerScorer) Score(ctx context.Context, _ *artifacts.Bundle, v *features.Vector) (float64, *Label, error) {
	row := make([]string, len(v.Values))
	for i, x := range v.Values {
		row[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}

	out, err := s.client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(s.endpoint),
		Body:         []byte(strings.Join(row, ",")),
		ContentType:  aws.String("text/csv"),
		Accept:       aws.String("application/json, text/csv"),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("invoke endpoint %s: %w", s.endpoint, err)
	}
	return parseResponse(out.Body)
}

type endpointResponse struct {
	Predictions []struct {
		Score          float64 `json:"score"`
		PredictedLabel *int    `json:"predicted_label"`
	} `json:"predictions"`
}

func parseResponse(body []byte) (float64, *Label, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("empty endpoint response")
	}

	if body[0] == '{' {
		var resp endpointResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, nil, fmt.Errorf("decode endpoint response: %w", err)
		}
		if len(resp.Predictions) == 0 {
			return 0, nil, fmt.Errorf("endpoint returned no predictions")
		}
		pred := resp.Predictions[0]
		if pred.PredictedLabel == nil {
			return pred.Score, nil, nil
		}
		label := Normal
		if *pred.PredictedLabel == 1 {
			label = Anomalous
		}
		return pred.Score, &label, nil
	}

	fields := strings.Split(strings.SplitN(string(body), "\n", 2)[0], ",")
	last := strings.TrimSpace(fields[len(fields)-1])
	p, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("parse endpoint response %q: %w", last, err)
	}
	return p, nil, nil
}
