package config

import "fmt"

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Bind address,default=127.0.0.1"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Listen port,minimum=1,maximum=65535,default=8080"`

	// UploadDir receives uploaded topic files.
	UploadDir string `yaml:"upload_dir,omitempty" json:"upload_dir,omitempty" jsonschema:"title=Upload Directory,description=Directory for uploaded topic files,default=.legisref/uploads"`

	// JobRetentionHours controls automatic cleanup of finished jobs.
	JobRetentionHours int `yaml:"job_retention_hours,omitempty" json:"job_retention_hours,omitempty" jsonschema:"title=Job Retention,description=Hours to keep finished jobs,default=24"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.UploadDir == "" {
		c.UploadDir = ".legisref/uploads"
	}
	if c.JobRetentionHours == 0 {
		c.JobRetentionHours = 24
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"title=Level,description=Log level,enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format: simple, verbose, json.
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"title=Format,description=Log format,enum=simple,enum=verbose,enum=json,default=simple"`

	// Output: stderr, stdout, or a file path.
	Output string `yaml:"output,omitempty" json:"output,omitempty" jsonschema:"title=Output,description=Log destination,default=stderr"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}
