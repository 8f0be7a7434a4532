// Package execcontext carries the environment and command prefix (for
// example "sudo") applied to host commands such as qemu-img.
package execcontext

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Default returns a context forcing the C locale so tool output can be
// parsed regardless of the host language.
func Default() Context {
	return New(map[string]string{"LC_ALL": "C"}, nil)
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	return slices.Clone(c.prependCmd)
}

// Command builds name with args, prefixed by the context's prepend command
// and run with the context's variables added to the current environment.
func Command(ctx context.Context, ectx Context, name string, args ...string) *exec.Cmd {
	argv := append(ectx.PrependCmd(), name)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	envs := ectx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return cmd
}

// FormatCmd renders the command line Command would run, for logs.
func FormatCmd(ectx Context, name string, args ...string) string {
	var b strings.Builder

	envs := ectx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&b, "%s=%q ", k, envs[k])
	}

	for _, s := range append(append(ectx.PrependCmd(), name), args...) {
		if strings.ContainsAny(s, " \t\"'$") || s == "" {
			fmt.Fprintf(&b, "%q ", s)
			continue
		}
		b.WriteString(s)
		b.WriteByte(' ')
	}

	return strings.TrimSpace(b.String())
}
