package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APIKey guards the HTTP adapter. Empty disables the check, which is
	// only accepted when Env is "local".
	APIKey string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".storyguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"storyguild/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@localhost"`
}

func (v *VAPIDEnv) Configured() bool {
	return v != nil && v.VAPIDPublicKey != "" && v.VAPIDPrivateKey != ""
}

type EngineEnv struct {
	// Shell runs every agent command as `<Shell> -l -c <cmd>`. Empty means
	// $SHELL, falling back to /bin/sh.
	Shell        string `envconfig:"SHELL"`
	ModelsFile   string `envconfig:"MODELS_FILE"`
	DefaultModel string `envconfig:"DEFAULT_MODEL" default:"sonnet"`
	// CommandPrefix namespaces the work-unit slash commands,
	// e.g. "<prefix>:execute-tasks".
	CommandPrefix    string        `envconfig:"COMMAND_PREFIX" default:"storyguild"`
	MetaDir          string        `envconfig:"META_DIR" default:".storyguild"`
	QuestionReminder time.Duration `envconfig:"QUESTION_REMINDER" default:"30m"`
	KillGrace        time.Duration `envconfig:"KILL_GRACE" default:"5s"`
	LockTimeout      time.Duration `envconfig:"LOCK_TIMEOUT" default:"10s"`
	TranslateSlugs   bool          `envconfig:"TRANSLATE_SLUGS" default:"true"`
	OpenPullRequests bool          `envconfig:"OPEN_PULL_REQUESTS" default:"true"`
	OutboxBuffer     int           `envconfig:"OUTBOX_BUFFER" default:"512"`
}

type Env struct {
	BaseEnv
	StorageEnv
	VAPIDEnv
	EngineEnv
}

const namespace = "STORYGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	if e.APIKey == "" && e.Env != "local" {
		return fmt.Errorf("%s_API_KEY is required when %s_ENV=%s", namespace, namespace, e.Env)
	}
	switch e.StorageEnv.Type {
	case "local":
	case "s3":
		if e.S3Bucket == "" {
			return fmt.Errorf("%s_S3_BUCKET is required for s3 storage", namespace)
		}
	default:
		return fmt.Errorf("unknown storage type %q", e.StorageEnv.Type)
	}
	if e.QuestionReminder <= 0 {
		return fmt.Errorf("%s_QUESTION_REMINDER must be positive", namespace)
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}

func EngineEnvFromEnv(env *Env) *EngineEnv {
	return &env.EngineEnv
}
