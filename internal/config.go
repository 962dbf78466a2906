package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/kjmarlow/hoard/internal/api"
	"github.com/kjmarlow/hoard/internal/database"
	"github.com/kjmarlow/hoard/internal/download"
	"github.com/kjmarlow/hoard/internal/janitor"
)

const hoardUserDirSuffix = "/hoard/"

// HoardConfig is the struct used to contain the various user config
// supplied by file, or manually inside the code.
type HoardConfig struct {
	Downloads      download.Config         `yaml:"downloads"`
	Janitor        janitor.Config          `yaml:"janitor"`
	Services       ServiceConfig           `yaml:"docker_services"`
	Database       database.DatabaseConfig `yaml:"database" env-required:"true"`
	Api            api.RestConfig          `yaml:"api"`
	StagingDirPath string                  `yaml:"staging_dir" env:"STAGING_DIR"`
	OutputDirPath  string                  `yaml:"output_dir" env:"OUTPUT_DIR"`
}

// ServiceConfig is used to enable/disable the internal initialisation of
// supporting services. By default these are enabled so a bare deployment
// brings up its own database.
type ServiceConfig struct {
	EnablePostgres bool `yaml:"enable_postgres" env:"SERVICE_ENABLE_POSTGRES" env-default:"true"`
}

// LoadFromFile loads a YAML configuration file in to a HoardConfig,
// applying env var overrides per the struct tags.
func (config *HoardConfig) LoadFromFile(configPath string) error {
	err := cleanenv.ReadConfig(configPath, config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}

// getStagingDir returns the directory in-flight transfers are written to.
// It will first look in the config for a value, but if none is found a
// default inside the user cache dir is used.
func (config *HoardConfig) getStagingDir() string {
	if config.StagingDirPath != "" {
		return config.StagingDirPath
	}

	dir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user cache dir %s", err))
	}

	return filepath.Join(dir, hoardUserDirSuffix, "staging")
}

// getOutputDir returns the directory completed downloads are stored in.
func (config *HoardConfig) getOutputDir() string {
	if config.OutputDirPath != "" {
		return config.OutputDirPath
	}

	dir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user home dir %s", err))
	}

	return filepath.Join(dir, hoardUserDirSuffix, "downloads")
}
