// Package hostfile reads the hosts a job may place ranks on.
//
// Two formats are accepted. The text format follows Open MPI:
//
//	# comment
//	node01 slots=4
//	node02
//
// The YAML format lists the same data under a hosts key:
//
//	hosts:
//	  - name: node01
//	    slots: 4
//	    user: hpc
package hostfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Host is one machine and the number of ranks it may run.
type Host struct {
	Name  string `yaml:"name"`
	Slots int    `yaml:"slots"`
	User  string `yaml:"user,omitempty"`
}

// Hosts is an ordered host inventory.
type Hosts []Host

type yamlFile struct {
	Hosts Hosts `yaml:"hosts"`
}

// Load reads path, choosing the YAML parser for .yaml and .yml files.
func Load(path string) (Hosts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostfile: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(bytes.NewReader(data))
	}
}

// Parse reads the text format. Repeated hosts have their slots added up.
func Parse(r io.Reader) (Hosts, error) {
	var hosts Hosts
	index := make(map[string]int)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		h := Host{Name: fields[0], Slots: 1}
		if at := strings.IndexByte(h.Name, '@'); at > 0 {
			h.User, h.Name = h.Name[:at], h.Name[at+1:]
		}
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok {
				return nil, fmt.Errorf("hostfile: line %d: expected key=value, got %q", lineNo, f)
			}
			switch key {
			case "slots", "max_slots", "max-slots":
				n, err := strconv.Atoi(value)
				if err != nil || n < 1 {
					return nil, fmt.Errorf("hostfile: line %d: invalid %s %q", lineNo, key, value)
				}
				if key == "slots" {
					h.Slots = n
				}
			case "user":
				h.User = value
			default:
				return nil, fmt.Errorf("hostfile: line %d: unknown attribute %q", lineNo, key)
			}
		}
		if i, ok := index[h.Name]; ok {
			hosts[i].Slots += h.Slots
			continue
		}
		index[h.Name] = len(hosts)
		hosts = append(hosts, h)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hostfile: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("hostfile: no hosts found")
	}
	return hosts, nil
}

// ParseYAML reads the YAML format. A missing slots value means one slot.
func ParseYAML(data []byte) (Hosts, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("hostfile: invalid YAML: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, fmt.Errorf("hostfile: no hosts found")
	}
	for i := range f.Hosts {
		h := &f.Hosts[i]
		if h.Name == "" {
			return nil, fmt.Errorf("hostfile: host %d has no name", i)
		}
		if h.Slots == 0 {
			h.Slots = 1
		}
		if h.Slots < 0 {
			return nil, fmt.Errorf("hostfile: host %q has negative slots", h.Name)
		}
	}
	return f.Hosts, nil
}

// FromNames builds an inventory of single-slot hosts.
func FromNames(names []string) Hosts {
	hosts := make(Hosts, 0, len(names))
	for _, n := range names {
		hosts = append(hosts, Host{Name: n, Slots: 1})
	}
	return hosts
}

// Slots returns the total slot count.
func (hs Hosts) Slots() int {
	n := 0
	for _, h := range hs {
		n += h.Slots
	}
	return n
}

// Place returns the host for each of np ranks. Slots are filled host by
// host; when np exceeds the slot count placement wraps around to the first
// host again.
func (hs Hosts) Place(np int) []Host {
	if len(hs) == 0 || np <= 0 {
		return nil
	}
	var slots []Host
	for _, h := range hs {
		for i := 0; i < h.Slots; i++ {
			slots = append(slots, h)
		}
	}
	out := make([]Host, np)
	for r := 0; r < np; r++ {
		out[r] = slots[r%len(slots)]
	}
	return out
}
