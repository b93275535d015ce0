package testutils

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/kelseyhightower/envconfig"

	"github.com/cannahum/eventsourcing-chain/config"
)

// DynamoDBConfig is an object that we fill from the environment
// (AWSCONFIG_REGION, AWSCONFIG_DYNAMODB_ENDPOINT, ...).
type DynamoDBConfig struct {
	Region    string
	Endpoint  string `envconfig:"DYNAMODB_ENDPOINT"`
	AccessID  string `envconfig:"ACCESS_KEY_ID"`
	SecretKey string `envconfig:"SECRET_ACCESS_KEY"`
}

// GetAWSCfg builds an aws.Config from the environment. Tests that need
// DynamoDB are skipped when no region is configured.
func GetAWSCfg(t testing.TB) aws.Config {
	t.Helper()

	var conf DynamoDBConfig
	if err := envconfig.Process("AWSCONFIG", &conf); err != nil {
		t.Fatalf("read aws config: %v", err)
	}
	if conf.Region == "" {
		t.Skip("AWSCONFIG_REGION not set, skipping DynamoDB test")
	}

	cfg, err := LoadAWSConfig(context.Background(), conf)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	return cfg
}

// LoadAWSConfig returns an aws.Config with static credentials and an
// optional endpoint override, e.g. for DynamoDB Local.
func LoadAWSConfig(ctx context.Context, conf DynamoDBConfig) (aws.Config, error) {
	return config.DynamoDB{
		Region:    conf.Region,
		Endpoint:  conf.Endpoint,
		AccessID:  conf.AccessID,
		SecretKey: conf.SecretKey,
	}.AWSConfig(ctx)
}
