package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/lifecycle"
)

var (
	showFormat  string
	showChanged bool
	revealGet   bool
	reloadSet   bool
)

func init() {
	configShowCmd.Flags().StringVarP(&showFormat, "format", "f", "", "output format: yaml, json or keys (default follows the config file)")
	configShowCmd.Flags().BoolVar(&showChanged, "changed", false, "only values that differ from the defaults")
	configGetCmd.Flags().BoolVar(&revealGet, "reveal", false, "print secrets unmasked")
	configSetCmd.Flags().BoolVar(&reloadSet, "reload", false, "ask a running daemon to reload afterwards")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configValidateCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Print the effective configuration",
	Long: "Print the effective configuration after defaults and environment overrides.\n" +
		"Secrets are masked.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flat, err := config.ListValues(cfg, true)
		if err != nil {
			return err
		}
		if showChanged {
			if flat, err = changedValues(flat); err != nil {
				return err
			}
		}
		format := showFormat
		switch {
		case jsonOut:
			format = "json"
		case format == "":
			format = config.FormatFor(cfgPath)
		}
		out, err := formatValues(flat, format)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, out)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flat, err := config.ListValues(cfg, !revealGet)
		if err != nil {
			return err
		}
		v, err := lookupValue(flat, args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(v)
		}
		fmt.Fprintln(os.Stdout, scalarString(v))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one value in the configuration file",
	Long: "Change one value in the configuration file. Values are read as JSON when\n" +
		"they parse (16, true, [15,5]) and as strings otherwise. The file is left\n" +
		"untouched if the result does not validate.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		before, _ := config.GetValue(cfgPath, key)
		if err := config.SetValue(cfgPath, key, args[1]); err != nil {
			return err
		}
		after, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			before, after = "***", "***"
		}
		fmt.Fprintf(os.Stdout, "%s: %s -> %s\n", key, scalarString(before), scalarString(after))
		if !reloadSet {
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pid, err := lifecycle.Signal(cfg.PIDFile, syscall.SIGHUP)
		switch {
		case errors.Is(err, lifecycle.ErrNotRunning):
			fmt.Fprintln(os.Stdout, "No daemon running; the change applies on next start.")
		case err != nil:
			return err
		default:
			fmt.Fprintf(os.Stdout, "Asked daemon (pid %d) to reload.\n", pid)
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file without starting the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enabled := cfg.EnabledProviders()
		fmt.Fprintf(os.Stdout, "%s is valid: %d of %d providers enabled\n", cfgPath, len(enabled), len(cfg.Providers))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := os.Stat(cfgPath)
		exists := err == nil
		if jsonOut {
			return printJSON(map[string]any{
				"path":   cfgPath,
				"format": config.FormatFor(cfgPath),
				"exists": exists,
			})
		}
		fmt.Fprintln(os.Stdout, cfgPath)
		if !exists {
			fmt.Fprintln(os.Stderr, "(not created yet; written with defaults on first use)")
		}
		return nil
	},
}

// changedValues drops keys whose value matches the built-in default.
func changedValues(flat map[string]any) (map[string]any, error) {
	defaults, err := config.ListValues(config.Default(), true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for k, v := range flat {
		if d, ok := defaults[k]; ok && reflect.DeepEqual(d, v) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// formatValues renders flattened values as nested YAML or JSON, or as sorted
// "key = value" lines for the keys format.
func formatValues(flat map[string]any, format string) (string, error) {
	switch format {
	case "yaml", "yml":
		if len(flat) == 0 {
			return "{}\n", nil
		}
		data, err := yaml.Marshal(config.Unflatten(flat))
		if err != nil {
			return "", fmt.Errorf("encode yaml: %w", err)
		}
		return string(data), nil
	case "json":
		data, err := json.MarshalIndent(config.Unflatten(flat), "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		return string(data) + "\n", nil
	case "keys":
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %s\n", k, scalarString(flat[k]))
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unknown format %q (want yaml, json or keys)", format)
	}
}

// lookupValue returns the value at key. A section prefix such as "notify"
// returns the nested section.
func lookupValue(flat map[string]any, key string) (any, error) {
	if v, ok := flat[key]; ok {
		return v, nil
	}
	section := make(map[string]any)
	for k, v := range flat {
		if rest, ok := strings.CutPrefix(k, key+"."); ok {
			section[rest] = v
		}
	}
	if len(section) > 0 {
		return config.Unflatten(section), nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// scalarString prints leaves bare, lists in the JSON form "set" accepts and
// sections as YAML.
func scalarString(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	case map[string]any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.TrimSpace(string(data))
	default:
		return fmt.Sprint(v)
	}
}
