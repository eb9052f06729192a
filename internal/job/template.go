package job

import (
	"fmt"
	"io"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Template writes j as a job file that Load reads back to an equal Job.
func Template(w io.Writer, j *Job) error {
	f := hclwrite.NewEmptyFile()
	body := f.Body().AppendNewBlock("job", []string{j.Name}).Body()

	body.SetAttributeValue("np", cty.NumberIntVal(int64(j.NP)))
	body.SetAttributeValue("program", cty.StringVal(j.Program))
	body.SetAttributeValue("args", stringList(j.Args))
	body.SetAttributeValue("launcher", cty.StringVal(j.Launcher))
	if j.Hostfile != "" {
		body.SetAttributeValue("hostfile", cty.StringVal(j.Hostfile))
	}
	body.SetAttributeValue("timeout", cty.StringVal(j.Timeout.String()))
	if j.Workers > 0 {
		body.SetAttributeValue("workers", cty.NumberIntVal(int64(j.Workers)))
	}
	body.AppendNewline()
	body.SetAttributeValue("coordinator", cty.BoolVal(j.Coordinator))
	if j.CoordinatorAddr != "" && j.CoordinatorAddr != DefaultCoordinatorAddr {
		body.SetAttributeValue("coordinator_addr", cty.StringVal(j.CoordinatorAddr))
	}
	body.SetAttributeValue("verify", cty.BoolVal(j.Verify))
	body.SetAttributeValue("continue_on_error", cty.BoolVal(j.ContinueOnError))
	if len(j.Env) > 0 {
		env := make(map[string]cty.Value, len(j.Env))
		for k, v := range j.Env {
			env[k] = cty.StringVal(v)
		}
		body.SetAttributeValue("env", cty.MapVal(env))
	}

	if j.Launcher == LauncherSSH || j.SSH.User != "" || j.SSH.KeyFile != "" {
		body.AppendNewline()
		ssh := body.AppendNewBlock("ssh", nil).Body()
		if j.SSH.User != "" {
			ssh.SetAttributeValue("user", cty.StringVal(j.SSH.User))
		}
		ssh.SetAttributeValue("key_file", cty.StringVal(j.SSH.KeyFile))
		if j.SSH.KnownHosts != "" {
			ssh.SetAttributeValue("known_hosts", cty.StringVal(j.SSH.KnownHosts))
		}
		ssh.SetAttributeValue("port", cty.NumberIntVal(int64(j.SSH.Port)))
		if j.SSH.Insecure {
			ssh.SetAttributeValue("insecure", cty.True)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("job: failed to write template: %w", err)
	}
	return nil
}

func stringList(ss []string) cty.Value {
	if len(ss) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(ss))
	for i, s := range ss {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}
