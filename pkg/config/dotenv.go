package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DotEnvLoader implements Provider with .env file support. Values already
// present in the environment win over the files, later files win over
// earlier ones. The process environment is never modified.
type DotEnvLoader struct {
	base     EnvLoader
	envFiles []string
}

// NewDotEnvLoader creates a new configuration loader with .env file support
func NewDotEnvLoader(envFiles ...string) Provider {
	return NewDotEnvLoaderWithEnv(&OSEnvLoader{}, envFiles...)
}

// NewDotEnvLoaderWithEnv creates a loader with custom environment loader and .env support
func NewDotEnvLoaderWithEnv(envLoader EnvLoader, envFiles ...string) Provider {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	return &DotEnvLoader{base: envLoader, envFiles: envFiles}
}

// Load reads the .env files, then the environment
func (d *DotEnvLoader) Load() (*Config, error) {
	return d.LoadFromEnv()
}

// LoadFromEnv implements Provider.
func (d *DotEnvLoader) LoadFromEnv() (*Config, error) {
	layered, err := d.layered()
	if err != nil {
		return nil, err
	}
	return (&Loader{envLoader: layered}).LoadFromEnv()
}

// Validate implements Provider.
func (d *DotEnvLoader) Validate(config *Config) error {
	return (&Loader{envLoader: d.base}).Validate(config)
}

func (d *DotEnvLoader) layered() (*layeredEnv, error) {
	values := map[string]string{}
	for _, envFile := range d.envFiles {
		fileValues, err := godotenv.Read(envFile)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, NewEnvFileError(envFile, err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}
	return &layeredEnv{base: d.base, file: values}, nil
}

type layeredEnv struct {
	base EnvLoader
	file map[string]string
}

func (l *layeredEnv) Getenv(key string) string {
	v, _ := l.LookupEnv(key)
	return v
}

func (l *layeredEnv) LookupEnv(key string) (string, bool) {
	if v, ok := l.base.LookupEnv(key); ok {
		return v, true
	}
	v, ok := l.file[key]
	return v, ok
}

// EnvFileError represents an error loading a .env file
type EnvFileError struct {
	FilePath string
	Err      error
}

func NewEnvFileError(filePath string, err error) *EnvFileError {
	return &EnvFileError{
		FilePath: filePath,
		Err:      err,
	}
}

func (e *EnvFileError) Error() string {
	return "failed to load .env file '" + e.FilePath + "': " + e.Err.Error()
}

func (e *EnvFileError) Unwrap() error {
	return e.Err
}

// LoadWithEnvFile is a convenience function to load configuration with .env file support
func LoadWithEnvFile(envFiles ...string) (*Config, error) {
	return NewDotEnvLoader(envFiles...).Load()
}

// envFileFromEnv returns the file named by JOBS_API_ENV_FILE, if any.
func envFileFromEnv() []string {
	if f := os.Getenv("JOBS_API_ENV_FILE"); f != "" {
		return []string{f}
	}
	return nil
}

// LoadDefault loads configuration the way the binary does.
func LoadDefault() (*Config, error) {
	return LoadWithEnvFile(envFileFromEnv()...)
}
