package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "pipeline_db", cfg.Database.Database)
				assert.Equal(t, "pipeline_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "pipeline_jobs", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
				assert.Equal(t, "pipeline-artifacts", cfg.ObjectStore.Bucket)
				assert.Equal(t, "pipeline-api-service", cfg.App.Name)

				require.Len(t, cfg.Providers, 1)
				assert.Equal(t, "fal", cfg.Providers[0].Name)

				training := cfg.Pipeline.Stage("training")
				assert.Equal(t, "fal", training.Provider)
				assert.Equal(t, 10*time.Second, training.PollInterval)
				assert.Equal(t, 360, training.PollMaxAttempts)
			}
		})
	}
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("PIPELINE_DB_PASSWORD", "s3cr3t")
	t.Setenv("PIPELINE_FAL_API_KEY", "fal-key-123")

	cfg, err := Load("testdata/env_config.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "s3cr3t", cfg.Database.Password)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "fal-key-123", cfg.Providers[0].APIKey)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "pipeline_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "pipeline_exchange",
			},
			Queue: QueueConfig{
				Name: "pipeline_jobs",
			},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "provider without name",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{BaseURL: "https://example.com"}}
			},
			wantErr:   true,
			errString: "name is required",
		},
		{
			name: "provider without base url",
			mutate: func(c *Config) {
				c.Providers = []ProviderConfig{{Name: "fal"}}
			},
			wantErr:   true,
			errString: "base_url is required",
		},
		{
			name: "stage without provider",
			mutate: func(c *Config) {
				c.Pipeline.Stages = map[string]StageTuning{
					"extract": {PollInterval: time.Second},
				}
			},
			wantErr:   true,
			errString: "provider is required",
		},
		{
			name: "stage with negative polling values",
			mutate: func(c *Config) {
				c.Pipeline.Stages = map[string]StageTuning{
					"extract": {Provider: "fal", PollMaxAttempts: -1},
				}
			},
			wantErr:   true,
			errString: "polling values must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPipelineConfig_Stage(t *testing.T) {
	t.Run("unset stage returns zero tuning", func(t *testing.T) {
		p := &PipelineConfig{}
		tuning := p.Stage("synthesize")
		assert.Zero(t, tuning.PollInterval)
		assert.Zero(t, tuning.PollMaxAttempts)
	})

	t.Run("configured stage returns its tuning", func(t *testing.T) {
		p := &PipelineConfig{
			Stages: map[string]StageTuning{
				"synthesize": {Provider: "fal", PollInterval: 15 * time.Second},
			},
		}
		tuning := p.Stage("synthesize")
		assert.Equal(t, "fal", tuning.Provider)
		assert.Equal(t, 15*time.Second, tuning.PollInterval)
	})
}
