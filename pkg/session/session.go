// Package session provides AWS session management and DynamoDB client
// configuration for txtheory
package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"gopkg.in/yaml.v3"

	"github.com/theory-cloud/txtheory/pkg/logging"
)

// configLoadFunc allows tests to substitute config.LoadDefaultConfig
var configLoadFunc = config.LoadDefaultConfig

// Config holds the configuration for txtheory
type Config struct {
	CredentialsProvider aws.CredentialsProvider `json:"-" yaml:"-"`
	Logger              logging.Logger          `json:"-" yaml:"-"`
	Now                 func() time.Time        `json:"-" yaml:"-"`
	AWSConfigOptions    []func(*config.LoadOptions) error `json:"-" yaml:"-"`
	DynamoDBOptions     []func(*dynamodb.Options)         `json:"-" yaml:"-"`

	Region string `yaml:"region"`

	// Endpoint overrides the DynamoDB endpoint, typically for a local store.
	Endpoint string `yaml:"endpoint"`

	// DaxEndpoint points reads at an accelerated cache cluster when set.
	// The mapper only records it; wiring a DAX client is the caller's choice.
	DaxEndpoint string `yaml:"daxEndpoint"`

	MaxRetries int `yaml:"maxRetries"`

	// Debug is carried in the configuration and loaded from YAML. No code in
	// the mapper reads it: it gates no exports and does not change logging,
	// which comes only from Logger.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

// LoadConfigFile reads a Config from a YAML file. Fields absent from the
// file keep their defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Session manages the AWS configuration and DynamoDB client
type Session struct {
	config    *Config
	client    *dynamodb.Client
	awsConfig aws.Config
}

// NewSession creates a new session with the given configuration
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	options := make([]func(*config.LoadOptions) error, 0, len(cfg.AWSConfigOptions)+3)
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.CredentialsProvider != nil {
		options = append(options, config.WithCredentialsProvider(cfg.CredentialsProvider))
	} else if cfg.Endpoint != "" {
		// Local endpoints accept any static credentials.
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	if cfg.MaxRetries > 0 {
		options = append(options, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	options = append(options, cfg.AWSConfigOptions...)

	awsConfig, err := configLoadFunc(context.Background(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOptions := make([]func(*dynamodb.Options), 0, len(cfg.DynamoDBOptions)+1)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	clientOptions = append(clientOptions, cfg.DynamoDBOptions...)

	return &Session{
		config:    cfg,
		client:    dynamodb.NewFromConfig(awsConfig, clientOptions...),
		awsConfig: awsConfig,
	}, nil
}

// NewSessionFromAWSConfig creates a session from an already-loaded AWS
// config, for callers that manage credentials themselves.
func NewSessionFromAWSConfig(cfg *Config, awsConfig aws.Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clientOptions := make([]func(*dynamodb.Options), 0, len(cfg.DynamoDBOptions)+1)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	clientOptions = append(clientOptions, cfg.DynamoDBOptions...)
	return &Session{
		config:    cfg,
		client:    dynamodb.NewFromConfig(awsConfig, clientOptions...),
		awsConfig: awsConfig,
	}
}

// Client returns the DynamoDB client
func (s *Session) Client() *dynamodb.Client {
	return s.client
}

// Config returns the session configuration
func (s *Session) Config() *Config {
	return s.config
}

// AWSConfig returns the underlying AWS configuration
func (s *Session) AWSConfig() aws.Config {
	return s.awsConfig
}

// Logger returns the configured logger, or a no-op logger.
func (s *Session) Logger() logging.Logger {
	if s.config != nil && s.config.Logger != nil {
		return s.config.Logger
	}
	return logging.NewNoOpLogger()
}
