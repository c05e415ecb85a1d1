package launcher

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/storyguild/pkg/cerr"
)

// Command is a resolved agent invocation.
type Command struct {
	Binary string
	Args   []string
	// Stdin is written once and closed. Empty closes stdin immediately.
	Stdin string
	Env   map[string]string
}

// Argv is the command without the shell wrapper.
func (c Command) Argv() []string {
	return append([]string{c.Binary}, c.Args...)
}

// Builder turns work units into agent commands.
type Builder struct {
	catalog *Catalog
	// Shell is the login shell used to run every command.
	Shell string
}

func NewBuilder(catalog *Catalog, shell string) *Builder {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Builder{catalog: catalog, Shell: ResolveShell(shell)}
}

// ResolveShell falls back to $SHELL and then /bin/sh.
func ResolveShell(shell string) string {
	if shell != "" {
		return shell
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// Prompt is the compound command string for a work unit:
// "/<commandID> <argument>".
func Prompt(commandID, argument string) string {
	p := "/" + strings.TrimPrefix(commandID, "/")
	if a := strings.TrimSpace(argument); a != "" {
		p += " " + a
	}
	return p
}

func (b *Builder) base(p Provider, model string, interactive bool) Command {
	args := slices.Clone(p.Args)
	if interactive {
		args = slices.Clone(p.InteractiveArgs)
	}
	if model != "" && p.ModelFlag != "" {
		args = append(args, p.ModelFlag, model)
	}
	return Command{Binary: p.Binary, Args: args, Env: maps.Clone(p.Env)}
}

// Initial passes the prompt positionally.
func (b *Builder) Initial(model, prompt string) Command {
	cmd := b.base(b.catalog.Resolve(model), model, false)
	cmd.Args = append(cmd.Args, prompt)
	return cmd
}

// Resume continues sessionID and feeds the answer through stdin, so the
// answer text is never subject to shell parsing.
func (b *Builder) Resume(model, sessionID, answer string) (Command, error) {
	p := b.catalog.Resolve(model)
	if p.ResumeFlag == "" {
		return Command{}, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("provider %s cannot resume sessions", p.Name), nil)
	}
	cmd := b.base(p, model, false)
	cmd.Args = append(cmd.Args, p.ResumeFlag, sessionID)
	cmd.Stdin = answer
	return cmd, nil
}

// Interactive starts the agent for a pseudo-terminal session.
func (b *Builder) Interactive(model, prompt string) Command {
	cmd := b.base(b.catalog.Resolve(model), model, true)
	if prompt != "" {
		cmd.Args = append(cmd.Args, prompt)
	}
	return cmd
}

// ShellLine quotes argv into one line for `sh -c`.
func ShellLine(argv []string) (string, error) {
	quoted := make([]string, 0, len(argv))
	for _, a := range argv {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			return "", cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("argument %q cannot be passed to the shell", a), err)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}

// LoginShellArgv wraps cmd so it runs inside a login shell and inherits the
// user's profile (PATH, auth tokens).
func (b *Builder) LoginShellArgv(cmd Command) ([]string, error) {
	line, err := ShellLine(cmd.Argv())
	if err != nil {
		return nil, err
	}
	return []string{b.Shell, "-l", "-c", "exec " + line}, nil
}
