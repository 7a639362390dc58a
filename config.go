package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-backup/backup"
	"github.com/utilitywarehouse/git-backup/inventory"
	"github.com/utilitywarehouse/git-backup/repository"
)

const (
	defaultTimeout = time.Hour
	defaultGitGC   = repository.GCAuto
)

// configError is returned for invalid configuration, it is always reported
// before any network activity
type configError struct {
	err error
}

func (e *configError) Error() string { return "configuration error: " + e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// Config is the optional config file of git-backup, any value set by the
// flag or env takes precedence over the file.
type Config struct {
	Defaults DefaultConfig `yaml:"defaults"`
}

type DefaultConfig struct {
	User              string        `yaml:"user"`
	Org               string        `yaml:"org"`
	Root              string        `yaml:"root"`
	SSHKeyPath        string        `yaml:"ssh_key_path"`
	SSHKnownHostsPath string        `yaml:"ssh_known_hosts_path"`
	Cleanup           bool          `yaml:"cleanup"`
	Workers           int           `yaml:"workers"`
	Timeout           time.Duration `yaml:"timeout"`
	GitGC             string        `yaml:"git_gc"`
	APIURL            string        `yaml:"api_url"`
	MetricsFile       string        `yaml:"metrics_file"`
	GithubApp         GithubApp     `yaml:"github_app"`
}

type GithubApp struct {
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// enabled returns true if any of the app settings is configured
func (a GithubApp) enabled() bool {
	return a.AppID != "" || a.InstallationID != "" || a.PrivateKeyPath != ""
}

func parseConfigFile(path string) (*Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = validateConfig(yamlFile)
	if err != nil {
		return nil, err
	}

	conf := &Config{}
	err = yaml.Unmarshal(yamlFile, conf)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// empty file
	if raw == nil {
		return nil
	}

	// check config sections for unexpected keys
	if key := findUnexpectedKey(raw, getAllowedKeys(Config{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	if _, ok := raw["defaults"]; !ok {
		return nil
	}

	// check "defaults" section
	defaultsMap, ok := raw["defaults"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("defaults section is not valid")
	}
	if key := findUnexpectedKey(defaultsMap, getAllowedKeys(DefaultConfig{})); key != "" {
		return fmt.Errorf("unexpected key: .defaults.%v", key)
	}

	// check "github_app" section in "defaults"
	if appMap, ok := defaultsMap["github_app"].(map[string]interface{}); ok {
		if key := findUnexpectedKey(appMap, getAllowedKeys(GithubApp{})); key != "" {
			return fmt.Errorf("unexpected key: .defaults.github_app.%v", key)
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]interface{}, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// loadConfig builds config from optional config file and flags
func loadConfig(c *cli.Command) (*Config, error) {
	conf := &Config{}
	if path := c.String("config"); path != "" {
		var err error
		conf, err = parseConfigFile(path)
		if err != nil {
			return nil, &configError{fmt.Errorf("unable to parse config file %s: %w", path, err)}
		}
	}

	applyFlags(c, conf)
	applyDefaults(conf)

	return conf, nil
}

// applyFlags overrides config values with flags set on the command line or
// via env
func applyFlags(c *cli.Command, conf *Config) {
	d := &conf.Defaults

	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	setString("user", &d.User)
	setString("org", &d.Org)
	setString("to", &d.Root)
	setString("keyfile", &d.SSHKeyPath)
	setString("known-hosts", &d.SSHKnownHostsPath)
	setString("git-gc", &d.GitGC)
	setString("api-url", &d.APIURL)
	setString("metrics-file", &d.MetricsFile)
	setString("github-app-id", &d.GithubApp.AppID)
	setString("github-app-installation-id", &d.GithubApp.InstallationID)
	setString("github-app-private-key", &d.GithubApp.PrivateKeyPath)

	if c.IsSet("cleanup") {
		d.Cleanup = c.Bool("cleanup")
	}
	if c.IsSet("workers") {
		d.Workers = int(c.Int("workers"))
	}
	if c.IsSet("timeout") {
		d.Timeout = c.Duration("timeout")
	}
}

func applyDefaults(conf *Config) {
	if conf.Defaults.Workers == 0 {
		conf.Defaults.Workers = backup.DefaultWorkers()
	}

	if conf.Defaults.Timeout == 0 {
		conf.Defaults.Timeout = defaultTimeout
	}

	if conf.Defaults.GitGC == "" {
		conf.Defaults.GitGC = defaultGitGC
	}

	if conf.Defaults.APIURL == "" {
		conf.Defaults.APIURL = inventory.DefaultAPIURL
	}
}

// validate checks the config and returns all the errors found.
// token is required unless github app is configured.
func (conf *Config) validate(token string) error {
	d := conf.Defaults

	var errs []error

	if d.GithubApp.enabled() {
		if d.GithubApp.AppID == "" || d.GithubApp.InstallationID == "" || d.GithubApp.PrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("github app id, installation id and private key are all required"))
		}
		if d.User != "" {
			errs = append(errs, fmt.Errorf("github app can only be used with --org"))
		}
	} else if token == "" {
		errs = append(errs, fmt.Errorf("GITHUB_TOKEN env must be set"))
	}

	switch {
	case d.User == "" && d.Org == "":
		errs = append(errs, fmt.Errorf("one of --user or --org is required"))
	case d.User != "" && d.Org != "":
		errs = append(errs, fmt.Errorf("only one of --user or --org can be set"))
	default:
		if err := backup.ValidateScopeName(conf.scope().Name); err != nil {
			errs = append(errs, err)
		}
	}

	if d.Root == "" {
		errs = append(errs, fmt.Errorf("destination dir (--to) is required"))
	}

	if d.SSHKeyPath == "" {
		errs = append(errs, fmt.Errorf("ssh key path (--keyfile) is required"))
	}

	if d.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1"))
	}

	if d.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout cannot be negative"))
	}

	if err := repository.ValidateGitGC(d.GitGC); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return &configError{fmt.Errorf("%s", errs)}
	}
	return nil
}

// scope returns the inventory scope selected by the config
func (conf *Config) scope() inventory.Scope {
	if conf.Defaults.Org != "" {
		return inventory.OrgScope(conf.Defaults.Org)
	}
	return inventory.UserScope(conf.Defaults.User)
}

// prepareRoot makes sure destination dir exists and returns its absolute path
func prepareRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &configError{fmt.Errorf("invalid destination %s: %w", root, err)}
	}

	fi, err := os.Stat(abs)
	switch {
	case err == nil && !fi.IsDir():
		return "", &configError{fmt.Errorf("destination %s exists but is not a directory", abs)}
	case err == nil:
		return abs, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", &configError{fmt.Errorf("unable to stat destination %s: %w", abs, err)}
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", &configError{fmt.Errorf("unable to create destination %s: %w", abs, err)}
	}
	return abs, nil
}

// gitEnvs returns envs passed to every git command
func gitEnvs() []string {
	var envs []string
	for _, name := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(name); ok {
			envs = append(envs, name+"="+v)
		}
	}
	return envs
}

func (conf *Config) String() string {
	d := conf.Defaults
	return strings.Join([]string{
		"scope=" + conf.scope().String(),
		"root=" + d.Root,
		fmt.Sprintf("cleanup=%t", d.Cleanup),
		fmt.Sprintf("workers=%d", d.Workers),
		"timeout=" + d.Timeout.String(),
		"git-gc=" + d.GitGC,
	}, " ")
}
