package cli

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vk/mpiprobe/internal/app"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		args           []string
		expectExit     bool
		expectCode     int
		expectedConfig *app.Config
		expectOutput   string
	}{
		{
			name: "No arguments runs hello with defaults",
			args: nil,
			expectedConfig: &app.Config{
				Command:   app.CommandHello,
				LogFormat: "json",
				LogLevel:  "info",
				Set:       map[string]bool{},
			},
		},
		{
			name: "Hello with logging flags",
			args: []string{"hello", "-log-level=DEBUG", "--log-format", "text", "-healthcheck-port=9090"},
			expectedConfig: &app.Config{
				Command:         app.CommandHello,
				LogFormat:       "text",
				LogLevel:        "debug",
				HealthcheckPort: 9090,
				Set:             map[string]bool{"log-level": true, "log-format": true, "healthcheck-port": true},
			},
		},
		{
			name: "Run with flags and a program after the separator",
			args: []string{"run", "-n", "4", "-timeout", "30s", "-coordinator", "-report", "out.mp", "--", "./hello", "-v", "x"},
			expectedConfig: &app.Config{
				Command:     app.CommandRun,
				LogFormat:   "json",
				LogLevel:    "info",
				NP:          4,
				Timeout:     30 * time.Second,
				Coordinator: true,
				Verify:      true,
				ReportPath:  "out.mp",
				Program:     "./hello",
				Args:        []string{"-v", "x"},
				Set:         map[string]bool{"np": true, "timeout": true, "coordinator": true, "report": true},
			},
		},
		{
			name: "Run with a positional job file",
			args: []string{"run", "-launcher", "srun", "-verify=false", "jobs/smoke.hcl"},
			expectedConfig: &app.Config{
				Command:   app.CommandRun,
				LogFormat: "json",
				LogLevel:  "info",
				JobPath:   "jobs/smoke.hcl",
				Launcher:  "srun",
				Set:       map[string]bool{"launcher": true, "verify": true},
			},
		},
		{
			name: "Init defaults to two ranks",
			args: []string{"init", "-o", "job.hcl"},
			expectedConfig: &app.Config{
				Command:    app.CommandInit,
				LogFormat:  "json",
				LogLevel:   "info",
				NP:         2,
				Verify:     true,
				OutputPath: "job.hcl",
				Set:        map[string]bool{"o": true},
			},
		},
		{
			name: "Verify reads stdin by default",
			args: []string{"verify", "-np", "8"},
			expectedConfig: &app.Config{
				Command:   app.CommandVerify,
				LogFormat: "json",
				LogLevel:  "info",
				InputPath: "-",
				Expected:  8,
				Set:       map[string]bool{"np": true},
			},
		},
		{
			name: "Report takes one path",
			args: []string{"report", "-no-color", "run.mp"},
			expectedConfig: &app.Config{
				Command:   app.CommandReport,
				LogFormat: "json",
				LogLevel:  "info",
				InputPath: "run.mp",
				NoColor:   true,
				Set:       map[string]bool{"no-color": true},
			},
		},
		{
			name:         "Help flag triggers clean exit",
			args:         []string{"-h"},
			expectExit:   true,
			expectOutput: "Usage:",
		},
		{
			name:         "Help command triggers clean exit",
			args:         []string{"help"},
			expectExit:   true,
			expectOutput: "mpiprobe run",
		},
		{
			name:         "Subcommand help triggers clean exit",
			args:         []string{"run", "-h"},
			expectExit:   true,
			expectOutput: "-continue-on-error",
		},
		{name: "Unknown command", args: []string{"launch"}, expectCode: 2},
		{name: "Unknown flag", args: []string{"verify", "-bogus"}, expectCode: 2},
		{name: "Invalid log format", args: []string{"-log-format=xml"}, expectCode: 2},
		{name: "Invalid log level", args: []string{"-log-level=trace"}, expectCode: 2},
		{name: "Invalid launcher", args: []string{"run", "-np", "2", "-launcher", "mpirun"}, expectCode: 2},
		{name: "Run without job or np", args: []string{"run"}, expectCode: 2},
		{name: "Run with two job files", args: []string{"run", "a.hcl", "b.hcl"}, expectCode: 2},
		{name: "Hello takes no arguments", args: []string{"hello", "extra"}, expectCode: 2},
		{name: "Report without path", args: []string{"report"}, expectCode: 2},
		{name: "Verify rejects a program", args: []string{"verify", "--", "./hello"}, expectCode: 2},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			var out bytes.Buffer

			// --- Act ---
			cfg, shouldExit, err := Parse(tc.args, &out)

			// --- Assert ---
			if tc.expectCode != 0 {
				var exitErr *ExitError
				require.True(t, errors.As(err, &exitErr), "expected *ExitError, got %v", err)
				require.Equal(t, tc.expectCode, exitErr.Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectExit, shouldExit)
			if tc.expectOutput != "" {
				require.Contains(t, out.String(), tc.expectOutput)
			}
			if diff := cmp.Diff(tc.expectedConfig, cfg); diff != "" {
				t.Errorf("Parse() config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
