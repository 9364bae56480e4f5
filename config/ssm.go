package config

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// applyParameterStoreOverrides pulls deployment-specific values from AWS SSM
// Parameter Store. Missing or unreadable parameters leave the file values in
// place, so dev setups work without AWS credentials.
func applyParameterStoreOverrides(cfg *Config) {
	if v := getParameterStoreValue("MARKETDASH_FEED_URL", false); v != "" {
		cfg.Client.URL = v
	}
	if v := getParameterStoreValue("MARKETDASH_SERVER_ADDR", false); v != "" {
		cfg.Server.Addr = v
	}
	if v := getParameterStoreValue("MARKETDASH_METRICS_ADDR", false); v != "" {
		cfg.Metrics.Addr = v
	}
}

func getParameterStoreValue(parameterName string, decrypt bool) string {
	baseCtx := context.Background()
	ctxWithTimeout, cancel := context.WithTimeout(baseCtx, 5*time.Second)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := client.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return ""
	}

	if result.Parameter.Value == nil {
		return ""
	}

	return *result.Parameter.Value
}
