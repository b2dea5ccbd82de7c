// Package repocfg resolves per-repository snapshot and runtime settings.
//
// Each logical repo lives under <reposRoot>/<repo>/ with a snapshot/ checkout
// and a runtime.yaml describing how the sandbox validates it. Settings are
// read fresh on every call so edits take effect on the next retry or approve
// without a daemon restart.
package repocfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// RuntimeConfigFile is the per-repo runtime settings filename.
const RuntimeConfigFile = "runtime.yaml"

// Runtime holds the resolved sandbox settings for one repository.
type Runtime struct {
	SandboxImage        string   `koanf:"sandbox_image"`
	TestCommand         string   `koanf:"test_command"`
	AllowedTestCommands []string `koanf:"allowed_test_commands"`
}

// Resolution reports what exists for a repository and what is missing before
// a task against it can be approved.
type Resolution struct {
	Repo          string
	SnapshotPath  string
	SnapshotOK    bool
	ConfigPath    string
	ConfigOK      bool
	Runtime       Runtime
	MissingFields []string
}

// Ready reports whether the snapshot and a complete runtime config exist.
func (r Resolution) Ready() bool {
	return r.SnapshotOK && r.ConfigOK && len(r.MissingFields) == 0
}

// Resolver locates snapshots and runtime configs under a fixed root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at reposRoot.
func NewResolver(reposRoot string) *Resolver {
	return &Resolver{root: reposRoot}
}

// Resolve inspects the repository directory and parses its runtime config.
// A missing snapshot or config file is reported in the Resolution, not as an
// error; errors are reserved for unreadable or malformed files.
func (r *Resolver) Resolve(repo string) (Resolution, error) {
	res := Resolution{
		Repo:         repo,
		SnapshotPath: filepath.Join(r.root, repo, "snapshot"),
		ConfigPath:   filepath.Join(r.root, repo, RuntimeConfigFile),
	}

	if repo == "" || strings.ContainsAny(repo, "/\\") {
		return res, fmt.Errorf("invalid repo identifier %q", repo)
	}

	if info, err := os.Stat(res.SnapshotPath); err == nil && info.IsDir() {
		res.SnapshotOK = true
	}

	content, err := os.ReadFile(res.ConfigPath)
	if os.IsNotExist(err) {
		res.MissingFields = requiredFields()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read runtime config for %s: %w", repo, err)
	}
	res.ConfigOK = true

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return res, fmt.Errorf("parse runtime config for %s: %w", repo, err)
	}
	if err := k.Unmarshal("", &res.Runtime); err != nil {
		return res, fmt.Errorf("unmarshal runtime config for %s: %w", repo, err)
	}

	if res.Runtime.SandboxImage == "" {
		res.MissingFields = append(res.MissingFields, "sandbox_image")
	}
	if res.Runtime.TestCommand == "" {
		res.MissingFields = append(res.MissingFields, "test_command")
	}
	if len(res.Runtime.AllowedTestCommands) == 0 {
		res.MissingFields = append(res.MissingFields, "allowed_test_commands")
	}
	return res, nil
}

func requiredFields() []string {
	return []string{"sandbox_image", "test_command", "allowed_test_commands"}
}
