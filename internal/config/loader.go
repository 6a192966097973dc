package config

// DefaultPath is the default configuration file location, overridden by
// the --config flag on both the agent and worker CLIs.
const DefaultPath = "/etc/iris/iris.yaml"
