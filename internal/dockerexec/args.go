// Package dockerexec composes the argv for running a gated command inside a
// container via `docker exec`.
package dockerexec

import "sort"

// PrependPathVar carries the caller's PATH into the container as an env var,
// so the raw value is never interpolated into the shell string.
const PrependPathVar = "OPENCLAW_PREPEND_PATH"

// Options configures one container exec invocation.
type Options struct {
	Container string
	Workdir   string
	TTY       bool
	Env       map[string]string
	Command   string
}

// BuildArgs returns the exact docker exec argv for the command. When the
// caller's env sets PATH, the value travels as the PrependPathVar env arg and
// the composed shell line exports it onto PATH before unsetting it.
func BuildArgs(opts Options) []string {
	args := []string{"docker", "exec"}

	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	if opts.TTY {
		args = append(args, "-t")
	}

	composed := opts.Command
	if path, ok := opts.Env["PATH"]; ok && path != "" {
		args = append(args, "-e", PrependPathVar+"="+path)
		composed = `export PATH="${` + PrependPathVar + `}:$PATH"; unset ` + PrependPathVar + `; ` + opts.Command
	}
	keys := make([]string, 0, len(opts.Env))
	for key := range opts.Env {
		if key != "PATH" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+opts.Env[key])
	}

	args = append(args, opts.Container, "sh", "-lc", composed)
	return args
}
