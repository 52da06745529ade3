// policy-check прогоняет политику конфигурации против server.properties и
// показывает, что станет с присланными значениями.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/properties"
)

// kvFlags собирает повторяющиеся -set key=value.
type kvFlags map[string]string

func (f kvFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (f kvFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[strings.TrimSpace(k)] = v
	return nil
}

func main() {
	submitted := kvFlags{}
	var (
		policyPath   = flag.String("policy", "", "Policy YAML/JSON file (required)")
		defaultsPath = flag.String("defaults", "", "server.properties with default values")
		currentPath  = flag.String("current", "", "Current server.properties of the world")
		memory       = flag.Int("memory", 0, "World memory in MiB to check against the policy")
		minMemory    = flag.Int("min-memory", 0, "Global minimum memory in MiB")
		all          = flag.Bool("all", false, "Print locked keys too")
		strict       = flag.Bool("strict", false, "Exit with code 2 if any submitted value was changed")
	)
	flag.Var(submitted, "set", "Submitted value key=value (repeatable)")
	flag.Parse()

	if *policyPath == "" {
		fmt.Fprintln(os.Stderr, "❌ -policy is required")
		flag.Usage()
		os.Exit(1)
	}
	policy, err := governance.LoadPolicyFile(*policyPath)
	if err != nil {
		log.Fatalf("❌ Failed to load policy: %v", err)
	}
	defaults, err := readOptional(*defaultsPath)
	if err != nil {
		log.Fatalf("❌ Failed to read defaults: %v", err)
	}
	current, err := readOptional(*currentPath)
	if err != nil {
		log.Fatalf("❌ Failed to read current config: %v", err)
	}

	if *memory > 0 {
		if err := policy.CheckMemory(*memory, *minMemory); err != nil {
			fmt.Fprintf(os.Stderr, "❌ memory: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "✅ memory: %d MiB allowed\n", *memory)
		}
	}

	rep := check(policy, defaults, current, submitted)
	rep.printChanges(os.Stderr)

	out := rep.Visible
	if *all {
		out = rep.Sanitized
	}
	if err := properties.Write(os.Stdout, out); err != nil {
		log.Fatalf("❌ Write failed: %v", err)
	}
	if *strict && len(rep.Changes) > 0 {
		os.Exit(2)
	}
}

func readOptional(path string) (*properties.Properties, error) {
	if path == "" {
		return properties.New(), nil
	}
	return properties.ReadFile(path)
}

// change - присланное значение, которое политика не приняла как есть.
type change struct {
	Key       string
	Submitted string
	Result    string
	Locked    bool
}

type report struct {
	Sanitized *properties.Properties
	Visible   *properties.Properties
	Changes   []change
}

func check(policy governance.Policy, defaults, current *properties.Properties, submitted map[string]string) report {
	engine := governance.NewEngine(policy, defaults)
	var sub *properties.Properties
	if len(submitted) > 0 {
		sub = properties.FromMap(submitted)
	}
	sanitized := engine.Sanitize(sub, current)

	rep := report{Sanitized: sanitized, Visible: engine.Visible(sanitized)}
	keys := make([]string, 0, len(submitted))
	for k := range submitted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		got, ok := sanitized.Get(k)
		result := ""
		if ok {
			result = got.String()
		}
		if ok && result == submitted[k] {
			continue
		}
		rep.Changes = append(rep.Changes, change{Key: k, Submitted: submitted[k], Result: result, Locked: policy.Locked(k)})
	}
	return rep
}

func (r report) printChanges(w io.Writer) {
	if len(r.Changes) == 0 {
		fmt.Fprintln(w, "✅ all submitted values accepted")
		return
	}
	for _, c := range r.Changes {
		reason := "out of limit"
		if c.Locked {
			reason = "locked"
		}
		fmt.Fprintf(w, "⚠️ %s: %q -> %q (%s)\n", c.Key, c.Submitted, c.Result, reason)
	}
}
