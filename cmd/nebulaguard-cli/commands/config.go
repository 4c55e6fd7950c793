package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// configKey binds a settable name to a ClientConfig field.
type configKey struct {
	get    func(*ClientConfig) string
	set    func(*ClientConfig, string) error
	help   string
	secret bool
}

var configKeys = map[string]configKey{
	"endpoint": {
		help: "admin API base URL",
		get:  func(c *ClientConfig) string { return c.Endpoint },
		set: func(c *ClientConfig, v string) error {
			c.Endpoint = strings.TrimRight(v, "/")
			return nil
		},
	},
	"token": {
		help:   "bearer token, normally stored by login",
		secret: true,
		get:    func(c *ClientConfig) string { return c.Token },
		set: func(c *ClientConfig, v string) error {
			c.Token = v
			return nil
		},
	},
	"timeout": {
		help: "request timeout such as 30s or 10m",
		get:  func(c *ClientConfig) string { return c.Timeout.String() },
		set: func(c *ClientConfig, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid timeout %q", v)
			}

			c.Timeout = d

			return nil
		},
	},
	"skip-verify": {
		help: "skip TLS certificate verification",
		get:  func(c *ClientConfig) string { return strconv.FormatBool(c.SkipVerify) },
		set: func(c *ClientConfig, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid skip-verify %q: want true or false", v)
			}

			c.SkipVerify = b

			return nil
		},
	},
}

var configKeyOrder = []string{"endpoint", "token", "timeout", "skip-verify"}

func lookupConfigKey(name string) (configKey, error) {
	key, ok := configKeys[strings.ToLower(name)]
	if !ok {
		return configKey{}, fmt.Errorf("unknown configuration key %q (known: %s)", name, strings.Join(configKeyOrder, ", "))
	}

	return key, nil
}

func (k configKey) display(c *ClientConfig) string {
	value := k.get(c)
	if !k.secret || value == "" {
		return value
	}

	if len(value) <= 8 {
		return "****"
	}

	return value[:4] + "****" + value[len(value)-4:]
}

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	var keys strings.Builder

	for _, name := range configKeyOrder {
		fmt.Fprintf(&keys, "\n  %-12s %s", name, configKeys[name].help)
	}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  "Read and change the settings stored in the CLI config file. Keys:" + keys.String(),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a configuration value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := lookupConfigKey(args[0])
				if err != nil {
					return err
				}

				// Environment overrides must not leak into the file.
				cfg, err := readConfigFile()
				if err != nil {
					return err
				}

				if err := key.set(cfg, args[1]); err != nil {
					return err
				}

				if err := SaveConfig(cfg); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", strings.ToLower(args[0]), key.display(cfg))

				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the effective value of a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := lookupConfigKey(args[0])
				if err != nil {
					return err
				}

				cfg, err := LoadConfig()
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), key.display(cfg))

				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print every effective setting",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := LoadConfig()
				if err != nil {
					return err
				}

				for _, name := range configKeyOrder {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name+":", configKeys[name].display(cfg))
				}

				return nil
			},
		},
	)

	return cmd
}
