package world

import (
	"fmt"
	"os"
	"unicode/utf8"
)

// MaxProcessorName matches MPI_MAX_PROCESSOR_NAME. Like the C constant it
// counts the terminating NUL, so names are at most MaxProcessorName-1 bytes.
const MaxProcessorName = 256

// ProcessorNameEnv overrides the host name reported by ProcessorName.
const ProcessorNameEnv = "MPIPROBE_PROCESSOR_NAME"

var (
	defaultGetenv = os.Getenv
	hostname      = os.Hostname
)

func processorName(getenv func(string) string) (string, error) {
	name := getenv(ProcessorNameEnv)
	if name == "" {
		h, err := hostname()
		if err != nil {
			return "", fmt.Errorf("failed to read hostname: %w", err)
		}
		name = h
	}
	if name == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return truncateName(name, MaxProcessorName-1), nil
}

// truncateName cuts name to at most n bytes without splitting a rune.
func truncateName(name string, n int) string {
	if len(name) <= n {
		return name
	}
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}
