package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port              string `envconfig:"PORT" default:"8080"`
	AWSRegion         string `envconfig:"AWS_REGION" default:"ap-northeast-2"`
	SnapshotTableName string `envconfig:"SNAPSHOT_TABLE_NAME" default:"order-snapshots"`
	RelayURLs         string `envconfig:"RELAY_URLS" default:"wss://relay.damus.io"`
	KafkaBrokers      string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopic        string `envconfig:"KAFKA_TOPIC" default:"marketplace-messages"`
	SignerPubkey      string `envconfig:"SIGNER_PUBKEY" default:""`
	SignerSecret      string `envconfig:"SIGNER_SECRET" default:""`
	WalletEndpoint    string `envconfig:"WALLET_ENDPOINT" default:""`
	WalletAPIKey      string `envconfig:"WALLET_API_KEY" default:""`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RelayList splits the comma-separated RELAY_URLS value.
func (c *Config) RelayList() []string {
	var out []string
	for _, u := range strings.Split(c.RelayURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// BrokerList splits the comma-separated KAFKA_BROKERS value. Empty means the
// kafka mirror transport is disabled.
func (c *Config) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
