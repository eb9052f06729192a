package job

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/vk/mpiprobe/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// fileRoot decodes the top level of a job file.
type fileRoot struct {
	Jobs   []*jobBlock `hcl:"job,block"`
	Remain hcl.Body    `hcl:",remain"`
}

type jobBlock struct {
	Name            string         `hcl:"name,label"`
	NP              int            `hcl:"np"`
	Program         string         `hcl:"program,optional"`
	Args            []string       `hcl:"args,optional"`
	Launcher        string         `hcl:"launcher,optional"`
	Hostfile        string         `hcl:"hostfile,optional"`
	Timeout         string         `hcl:"timeout,optional"`
	Workers         int            `hcl:"workers,optional"`
	Coordinator     bool           `hcl:"coordinator,optional"`
	CoordinatorAddr string         `hcl:"coordinator_addr,optional"`
	Verify          *bool          `hcl:"verify,optional"`
	ContinueOnError bool           `hcl:"continue_on_error,optional"`
	Env             hcl.Expression `hcl:"env,optional"`
	SSH             *sshBlock      `hcl:"ssh,block"`
}

type sshBlock struct {
	User       string `hcl:"user,optional"`
	KeyFile    string `hcl:"key_file,optional"`
	KnownHosts string `hcl:"known_hosts,optional"`
	Port       int    `hcl:"port,optional"`
	Insecure   bool   `hcl:"insecure,optional"`
}

// Load reads the job called name from path, which may be a file or a
// directory of .hcl files. An empty name selects the only job defined.
// Expressions may refer to the process environment as env.NAME.
func Load(ctx context.Context, path, name string) (*Job, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Job loader started.", "path", path, "name", name)

	files, err := fsutil.FindFiles(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("job: %w", err)
	}
	logger.Debug("Discovered job files.", "count", len(files))

	evalCtx := newEvalContext(os.Environ())
	parser := hclparse.NewParser()
	var blocks []*jobBlock
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		blocks = append(blocks, root.Jobs...)
	}

	block, err := selectJob(blocks, name)
	if err != nil {
		return nil, err
	}
	j, err := translate(block, evalCtx)
	if err != nil {
		return nil, err
	}
	logger.Debug("Job loaded.", "name", j.Name, "np", j.NP, "launcher", j.Launcher)
	return j, nil
}

func selectJob(blocks []*jobBlock, name string) (*jobBlock, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("job: no job blocks found")
	}
	if name == "" {
		if len(blocks) > 1 {
			return nil, fmt.Errorf("job: %d jobs defined (%s), choose one by name", len(blocks), strings.Join(names(blocks), ", "))
		}
		return blocks[0], nil
	}
	var found *jobBlock
	for _, b := range blocks {
		if b.Name != name {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("job: %q is defined more than once", name)
		}
		found = b
	}
	if found == nil {
		return nil, fmt.Errorf("job: %q not found (have %s)", name, strings.Join(names(blocks), ", "))
	}
	return found, nil
}

func names(blocks []*jobBlock) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Name)
	}
	sort.Strings(out)
	return out
}

// translate turns the decoded block into a Job with defaults applied.
func translate(b *jobBlock, evalCtx *hcl.EvalContext) (*Job, error) {
	j := &Job{
		Name:            b.Name,
		NP:              b.NP,
		Program:         b.Program,
		Args:            b.Args,
		Launcher:        b.Launcher,
		Hostfile:        b.Hostfile,
		Workers:         b.Workers,
		Coordinator:     b.Coordinator,
		CoordinatorAddr: b.CoordinatorAddr,
		Verify:          true,
		ContinueOnError: b.ContinueOnError,
	}
	if b.Verify != nil {
		j.Verify = *b.Verify
	}
	if b.Timeout != "" {
		d, err := time.ParseDuration(b.Timeout)
		if err != nil {
			return nil, fmt.Errorf("job %q: invalid timeout %q: %w", b.Name, b.Timeout, err)
		}
		j.Timeout = d
	}
	if b.SSH != nil {
		j.SSH = SSH{
			User:       b.SSH.User,
			KeyFile:    b.SSH.KeyFile,
			KnownHosts: b.SSH.KnownHosts,
			Port:       b.SSH.Port,
			Insecure:   b.SSH.Insecure,
		}
	}
	env, err := decodeEnv(b.Env, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", b.Name, err)
	}
	j.Env = env
	j.ApplyDefaults()
	return j, nil
}

// decodeEnv evaluates the env attribute as a map of strings. Numbers and
// bools are converted.
func decodeEnv(expr hcl.Expression, evalCtx *hcl.EvalContext) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to evaluate env: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	val, err := convert.Convert(val, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("env must be a map of strings: %w", err)
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("env contains unknown values")
	}
	out := make(map[string]string, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		if v.IsNull() {
			return nil, fmt.Errorf("env %q is null", k.AsString())
		}
		out[k.AsString()] = v.AsString()
	}
	return out, nil
}

// newEvalContext exposes environ as the env object.
func newEvalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclIdent(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

func hclIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}
