// Package config loads kube-secret-fs settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/kubesecretfs/kube-secret-fs/core/archive"
	"github.com/kubesecretfs/kube-secret-fs/core/model"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Prefix is prepended to every environment variable name.
const Prefix = "KUBE_SECRET_FS"

// A Secret's data may not exceed 1 MiB.
const maxSecretBytes = 1 << 20

// generationLen is the length of a multibase base32 encoded 13 digit
// millisecond epoch.
const generationLen = 22

const (
	StoreKube    = "kube"
	StoreLevelDB = "leveldb"
)

// NamespaceFile holds the namespace of the pod's service account.
var NamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

type Config struct {
	BaseDir    string `envconfig:"BASE_DIR"`
	MountPoint string `envconfig:"MOUNT_POINT"`
	Debug      bool   `envconfig:"DEBUG"`

	SecretNamespace       string `envconfig:"SECRET_NAMESPACE"`
	SecretBaseName        string `envconfig:"SECRET_BASE_NAME" default:"kube-secret-fs"`
	MaxBytesPerSecret     int    `envconfig:"MAX_BYTES_PER_SECRET" default:"524288"`
	MaxSecrets            int    `envconfig:"MAX_SECRETS" default:"20"`
	KubeAPITimeoutSeconds int    `envconfig:"KUBE_API_TIMEOUT_SECONDS" default:"10"`

	Store       string `envconfig:"STORE" default:"kube"`
	Kubeconfig  string `envconfig:"KUBECONFIG"`
	LevelDBPath string `envconfig:"LEVELDB_PATH"`
	Archiver    string `envconfig:"ARCHIVER" default:"native"`
	AllowOther  bool   `envconfig:"ALLOW_OTHER"`
}

// GetConfig reads the environment and fills in defaults that depend on the
// host. It does not validate.
func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process(Prefix, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(os.TempDir(), "kube-secret-fs")
	}
	if cfg.LevelDBPath == "" {
		cfg.LevelDBPath = filepath.Join(os.TempDir(), "kube-secret-fs-store")
	}
	if cfg.SecretNamespace == "" {
		cfg.SecretNamespace = defaultNamespace()
	}

	return &cfg, nil
}

func defaultNamespace() string {
	b, err := os.ReadFile(NamespaceFile)
	if err != nil {
		return "default"
	}
	if ns := strings.TrimSpace(string(b)); ns != "" {
		return ns
	}
	return "default"
}

// Timeout is the deadline of one Kubernetes API pass.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.KubeAPITimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	var errs []error

	if c.MountPoint == "" {
		errs = append(errs, errors.New("mount point is required"))
	}
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base directory is required"))
	}
	if c.MaxBytesPerSecret <= 0 {
		errs = append(errs, fmt.Errorf("max bytes per secret must be positive, got %d", c.MaxBytesPerSecret))
	} else if c.MaxBytesPerSecret > maxSecretBytes {
		errs = append(errs, fmt.Errorf("max bytes per secret must not exceed %d, got %d", maxSecretBytes, c.MaxBytesPerSecret))
	}
	if c.MaxSecrets <= 0 {
		errs = append(errs, fmt.Errorf("max secrets must be positive, got %d", c.MaxSecrets))
	}
	if c.KubeAPITimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("kube api timeout must be positive, got %d", c.KubeAPITimeoutSeconds))
	}
	errs = append(errs, validateBaseName(c.SecretBaseName, c.MaxSecrets)...)
	if msgs := validation.IsDNS1123Label(c.SecretNamespace); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("secret namespace %q: %s", c.SecretNamespace, strings.Join(msgs, "; ")))
	}

	switch c.Store {
	case StoreKube, StoreLevelDB:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Archiver {
	case archive.KindNative, archive.KindTar:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", archive.ErrUnknownKind, c.Archiver))
	}

	return errors.Join(errs...)
}

// validateBaseName checks the base name as the metadata Secret name, as the
// parent label value of every chunk, and as the prefix of the longest chunk
// name.
func validateBaseName(name string, maxSecrets int) []error {
	var errs []error
	if msgs := validation.IsDNS1123Subdomain(name); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("secret base name %q: %s", name, strings.Join(msgs, "; ")))
	}
	if msgs := validation.IsValidLabelValue(name); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("secret base name %q as label value: %s", name, strings.Join(msgs, "; ")))
	}

	chunk := model.ChunkName(name, strings.Repeat("b", generationLen), max(maxSecrets-1, 0))
	if msgs := validation.IsDNS1123Subdomain(chunk); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("chunk name %q: %s", chunk, strings.Join(msgs, "; ")))
	}

	return errs
}
