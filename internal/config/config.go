package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/workspace"
)

const (
	EnvPrefix  = "LEVELUP_"
	envDataDir = EnvPrefix + "DATA_DIR"
)

// FileNames are the settings files looked for in each directory, in order.
var FileNames = []string{"levelup.yaml", "levelup.yml", ".levelup.yaml", ".levelup.yml"}

// Config locates the machine-wide state shared by every levelup process.
type Config struct {
	DataDir string
	DBPath  string
}

func New() (*Config, error) {
	dataDir, ok := os.LookupEnv(envDataDir)
	if !ok || dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(homeDir, ".levelup")
	}

	return &Config{
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "state.db"),
	}, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.WorktreesDir(), 0755)
}

func (c *Config) WorktreesDir() string {
	return filepath.Join(c.DataDir, "worktrees")
}

func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, "logs", "levelup.log")
}

type LLMSettings struct {
	Model            string `yaml:"model"`
	Effort           string `yaml:"effort"`
	ClaudeExecutable string `yaml:"claude_executable"`
}

type ProjectSettings struct {
	Path         string `yaml:"path"`
	BranchNaming string `yaml:"branch_naming"`
	TicketsFile  string `yaml:"tickets_file"`
}

type PipelineSettings struct {
	RequireCheckpoints     bool          `yaml:"require_checkpoints"`
	AutoApprove            bool          `yaml:"auto_approve"`
	CreateGitBranch        bool          `yaml:"create_git_branch"`
	RequireBranch          bool          `yaml:"require_branch"`
	SkipPlanning           bool          `yaml:"skip_planning"`
	Journal                bool          `yaml:"journal"`
	CheckpointPollInterval time.Duration `yaml:"checkpoint_poll_interval"`
}

// Settings is the per-project behaviour of levelup.
type Settings struct {
	LLM      LLMSettings      `yaml:"llm"`
	Project  ProjectSettings  `yaml:"project"`
	Pipeline PipelineSettings `yaml:"pipeline"`
	Log      logging.Config   `yaml:"log"`

	// Source is the settings file that was applied, if any.
	Source string `yaml:"-"`
}

func DefaultSettings() *Settings {
	return &Settings{
		LLM: LLMSettings{
			ClaudeExecutable: "claude",
		},
		Project: ProjectSettings{
			BranchNaming: workspace.DefaultBranchPattern,
			TicketsFile:  "levelup/tickets.md",
		},
		Pipeline: PipelineSettings{
			RequireCheckpoints:     true,
			CreateGitBranch:        true,
			Journal:                true,
			CheckpointPollInterval: time.Second,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load layers defaults, the nearest settings file above projectPath, LEVELUP_*
// environment variables and overrides, in that order. Overrides are
// "section.key=value" pairs.
func Load(projectPath string, overrides ...string) (*Settings, error) {
	s := DefaultSettings()

	path, err := FindFile(projectPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := s.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := s.applyEnv(os.Environ()); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("invalid override %q (want section.key=value)", o)
		}
		if err := s.Set(key, value); err != nil {
			return nil, err
		}
	}

	if s.Project.Path == "" {
		s.Project.Path = projectPath
	}
	if s.Pipeline.CheckpointPollInterval <= 0 {
		s.Pipeline.CheckpointPollInterval = time.Second
	}
	return s, nil
}

// FindFile returns the first settings file found walking up from dir, or ""
// when there is none.
func FindFile(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (s *Settings) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	s.Source = path
	return nil
}

// Save writes s as YAML to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// applyEnv applies LEVELUP_<SECTION>__<KEY> variables. Variables naming no
// known setting are ignored.
func (s *Settings) applyEnv(environ []string) error {
	for _, kv := range environ {
		name, value, _ := strings.Cut(kv, "=")
		rest, ok := strings.CutPrefix(name, EnvPrefix)
		if !ok {
			continue
		}
		section, key, ok := strings.Cut(rest, "__")
		if !ok {
			continue
		}
		path := strings.ToLower(section) + "." + strings.ToLower(key)
		if err := s.Set(path, value); err != nil {
			if errors.Is(err, ErrUnknownSetting) {
				continue
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

var ErrUnknownSetting = errors.New("unknown setting")

// Set assigns one setting by its "section.key" path, using the YAML names.
func (s *Settings) Set(path, value string) error {
	section, key, ok := strings.Cut(path, ".")
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSetting, path)
	}

	field, ok := lookup(reflect.ValueOf(s).Elem(), section)
	if !ok || field.Kind() != reflect.Struct {
		return fmt.Errorf("%w %q", ErrUnknownSetting, path)
	}
	leaf, ok := lookup(field, key)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSetting, path)
	}

	if err := assign(leaf, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return nil
}

// Get returns one setting by its "section.key" path.
func (s *Settings) Get(path string) (string, error) {
	section, key, _ := strings.Cut(path, ".")
	field, ok := lookup(reflect.ValueOf(s).Elem(), section)
	if !ok || field.Kind() != reflect.Struct {
		return "", fmt.Errorf("%w %q", ErrUnknownSetting, path)
	}
	leaf, ok := lookup(field, key)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownSetting, path)
	}
	if d, ok := leaf.Interface().(time.Duration); ok {
		return d.String(), nil
	}
	return fmt.Sprint(leaf.Interface()), nil
}

func lookup(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag != "" && tag != "-" && tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var durationType = reflect.TypeOf(time.Duration(0))

func assign(v reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := parseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// RunDefaults are the configured per-run options command line flags may
// override.
func (s *Settings) RunDefaults() models.RunOptions {
	return models.RunOptions{
		Model:        s.LLM.Model,
		Effort:       s.LLM.Effort,
		SkipPlanning: s.Pipeline.SkipPlanning,
	}
}
