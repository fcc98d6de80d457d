// Package flagx contains helpers for components that parse only a subset of
// the process arguments, so several flag sets can coexist without tripping
// over each other's flags.
package flagx

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// ConfigEnvVar names the environment variable consulted when no -c/-config
// flag is present.
const ConfigEnvVar = "MEDIAINGEST_CONFIG"

// FilterArgs returns the arguments that belong to allowedFlags, preserving
// their order. Both "-f value" and "-f=value" forms are recognised; the
// following argument is consumed as the value unless it looks like a flag.
// Negative numbers such as a Telegram group id count as values.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if _, keep := allowed[name]; keep {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, keep := allowed[arg]; !keep {
			continue
		}
		filtered = append(filtered, arg)
		if i+1 < len(args) && isValue(args[i+1]) {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// ConfigPath extracts the JSON config path from args (-c or -config, last
// one wins) and falls back to the value of ConfigEnvVar.
func ConfigPath(args []string, getenv func(string) string) string {
	var path string

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "Path to config file")
	fs.StringVar(&path, "c", "", "Path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	if path == "" && getenv != nil {
		path = strings.TrimSpace(getenv(ConfigEnvVar))
	}
	return path
}

// JsonConfigFlags returns the config path for the current process.
func JsonConfigFlags() string {
	return ConfigPath(os.Args[1:], os.Getenv)
}

func isValue(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return true
	}
	_, err := strconv.ParseFloat(arg, 64)
	return err == nil
}
