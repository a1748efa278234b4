package registry

import "os"

const defaultTemplate = `settings:
  max_workers:
    type: int
    description: Maximum concurrent workers the supervisor may run.
    default: 8
    min: 1
    max: 256
  job_timeout_seconds:
    type: int
    description: Seconds before a running job is considered stuck.
    default: 3600
    min: 30
    max: 86400
  short_batch_size:
    type: int
    description: Jobs claimed per poll by short-lived workers.
    default: 10
    min: 1
    max: 100
  long_batch_size:
    type: int
    description: Jobs claimed per poll by long-lived workers.
    default: 2
    min: 1
    max: 20
  run_status:
    type: enum
    description: Gate controlling whether new runs are admitted.
    default: new
    enum: [new, debug, do_not_run]
  db_type:
    type: enum
    description: Backing database flavor provisioned for runs.
    default: postgres
    enum: [postgres, mysql]
  db_image:
    type: string
    description: Container image used for the run database.
    default: "postgres:14.11"
  os_image:
    type: string
    description: Base image for run worker pods.
    default: "ubuntu-20.04:latest"
  log_level:
    type: enum
    description: Supervisor log verbosity.
    default: info
    enum: [debug, info, warn, error]
  paused:
    type: bool
    description: When true the supervisor stops dispatching work.
    default: false
  webhook_url:
    type: uri
    description: Endpoint notified of configuration changes.
  job_order:
    type: json
    description: Ordered list of job type definitions for a run.
`

// Default returns the built-in catalog.
func Default() *Registry {
	r, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic("built-in registry invalid: " + err.Error())
	}
	return r
}

// Load reads a registry from path, falling back to the built-in
// catalog when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
