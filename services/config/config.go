// Package config loads the process-wide configuration surface: worker
// pool sizing, validation strictness, subgraph expansion depth, and the
// default workflow error policy (spec.md §6). It follows the reference
// service's pkg/db.DefaultConfig pattern — a Default() constructor with
// documented, production-ready values, loaded from YAML and then
// overridable per key by environment variables — generalized from one
// struct (db.Config) to the repository's full configuration tree.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree. YAML keys drop the "workflow."
// prefix the top-level file is expected to carry; see Load.
type Config struct {
	Executor   ExecutorConfig   `yaml:"executor"`
	Validation ValidationConfig `yaml:"validation"`
	Subgraph   SubgraphConfig   `yaml:"subgraph"`
	Error      ErrorConfig      `yaml:"error"`
}

// ExecutorConfig sizes the shared worker pool services/runtime.Pool runs
// step executions on.
type ExecutorConfig struct {
	CorePoolSize            int    `yaml:"core-pool-size"`
	MaxPoolSize             int    `yaml:"max-pool-size"`
	QueueCapacity           int    `yaml:"queue-capacity"`
	ThreadNamePrefix        string `yaml:"thread-name-prefix"`
	AwaitTerminationSeconds int    `yaml:"await-termination-seconds"`
	AllowCoreThreadTimeout  bool   `yaml:"allow-core-thread-timeout"`
}

// ValidationConfig maps onto services/validate.Options.
type ValidationConfig struct {
	StrictJoins         bool `yaml:"strict-joins"`
	StrictJoinUpstreams bool `yaml:"strict-join-upstreams"`
	RequireExplicitJoin bool `yaml:"require-explicit-join"`
}

// SubgraphConfig bounds services/subgraph.Expander's recursion depth.
type SubgraphConfig struct {
	MaxExpansionDepth int `yaml:"max-expansion-depth"`
}

// ErrorConfig names the default plan.WorkflowErrorPolicy a triggered
// execution runs under absent a per-request override.
type ErrorConfig struct {
	Policy string `yaml:"policy"`
}

// Default returns production-ready settings: a core pool sized for
// moderate concurrency, a generous queue before the pool falls back to
// caller-runs, the least strict validation options, spec.md's default
// subgraph expansion bound, and a FAIL error policy.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			CorePoolSize:            4,
			MaxPoolSize:             16,
			QueueCapacity:           256,
			ThreadNamePrefix:        "workflow-exec-",
			AwaitTerminationSeconds: 30,
			AllowCoreThreadTimeout:  false,
		},
		Validation: ValidationConfig{
			StrictJoins:         false,
			StrictJoinUpstreams: false,
			RequireExplicitJoin: false,
		},
		Subgraph: SubgraphConfig{
			MaxExpansionDepth: 10,
		},
		Error: ErrorConfig{
			Policy: "FAIL",
		},
	}
}

// Load reads a YAML file rooted at the "workflow:" key over Default(),
// then applies WORKFLOW_<SECTION>_<FIELD>-style environment overrides
// (e.g. WORKFLOW_EXECUTOR_CORE_POOL_SIZE). A missing path is not an
// error: Default() plus env overrides is a valid configuration on its
// own, matching how the reference service falls back to DefaultConfig
// when no override is supplied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			var wrapper struct {
				Workflow Config `yaml:"workflow"`
			}
			wrapper.Workflow = cfg
			if err := yaml.Unmarshal(data, &wrapper); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			cfg = wrapper.Workflow
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.Executor.CorePoolSize, "WORKFLOW_EXECUTOR_CORE_POOL_SIZE")
	overrideInt(&cfg.Executor.MaxPoolSize, "WORKFLOW_EXECUTOR_MAX_POOL_SIZE")
	overrideInt(&cfg.Executor.QueueCapacity, "WORKFLOW_EXECUTOR_QUEUE_CAPACITY")
	overrideString(&cfg.Executor.ThreadNamePrefix, "WORKFLOW_EXECUTOR_THREAD_NAME_PREFIX")
	overrideInt(&cfg.Executor.AwaitTerminationSeconds, "WORKFLOW_EXECUTOR_AWAIT_TERMINATION_SECONDS")
	overrideBool(&cfg.Executor.AllowCoreThreadTimeout, "WORKFLOW_EXECUTOR_ALLOW_CORE_THREAD_TIMEOUT")

	overrideBool(&cfg.Validation.StrictJoins, "WORKFLOW_VALIDATION_STRICT_JOINS")
	overrideBool(&cfg.Validation.StrictJoinUpstreams, "WORKFLOW_VALIDATION_STRICT_JOIN_UPSTREAMS")
	overrideBool(&cfg.Validation.RequireExplicitJoin, "WORKFLOW_VALIDATION_REQUIRE_EXPLICIT_JOIN")

	overrideInt(&cfg.Subgraph.MaxExpansionDepth, "WORKFLOW_SUBGRAPH_MAX_EXPANSION_DEPTH")

	overrideString(&cfg.Error.Policy, "WORKFLOW_ERROR_POLICY")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

func overrideBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = b
}
