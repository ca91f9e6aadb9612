package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/stormlsp"
)

var flagSetInit []string

// loadConfig resolves the effective configuration: the --config file when
// given, otherwise defaults merged with auto-detected servers. --set-init
// entries of the form language.path=value patch initialization options.
func loadConfig() (stormlsp.Config, error) {
	var cfg stormlsp.Config
	if flagConfig != "" {
		var err error
		cfg, err = stormlsp.LoadConfig(flagConfig)
		if err != nil {
			return stormlsp.Config{}, err
		}
	} else {
		cfg = stormlsp.DefaultConfig()
		for language, sc := range stormlsp.AutoDetectServers() {
			cfg.Servers[language] = sc
		}
	}

	for _, kv := range flagSetInit {
		eq := strings.IndexByte(kv, '=')
		dot := strings.IndexByte(kv, '.')
		if eq < 0 || dot < 0 || dot > eq {
			return stormlsp.Config{}, fmt.Errorf("bad --set-init %q, want language.path=value", kv)
		}
		language, path, value := kv[:dot], kv[dot+1:eq], kv[eq+1:]

		sc, ok := cfg.Servers[language]
		if !ok {
			return stormlsp.Config{}, fmt.Errorf("--set-init: no server for %q", language)
		}
		opts := string(sc.InitializationOptions)
		if opts == "" {
			opts = "{}"
		}
		patched, err := sjson.Set(opts, path, parseScalar(value))
		if err != nil {
			return stormlsp.Config{}, fmt.Errorf("--set-init %q: %w", kv, err)
		}
		sc.InitializationOptions = json.RawMessage(patched)
		cfg.Servers[language] = sc
	}
	return cfg, nil
}

// parseScalar keeps numbers and booleans typed in the patched JSON.
func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured language servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for language, sc := range cfg.Servers {
				state := "disabled"
				if sc.Enabled {
					state = "enabled"
					if _, err := exec.LookPath(sc.Command); err != nil {
						state = "enabled, binary not found"
					}
				}
				fmt.Printf("%-12s %s %s (%s)\n", language, sc.Command, strings.Join(sc.Args, " "), state)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which configured server binaries are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for language, sc := range cfg.Servers {
				if !sc.Enabled {
					continue
				}
				if path, err := exec.LookPath(sc.Command); err == nil {
					fmt.Printf("%-12s ok      %s\n", language, path)
				} else {
					fmt.Printf("%-12s missing %s\n", language, sc.Command)
				}
			}
			return nil
		},
	}
}

func newCapabilitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities <language>",
		Short: "Start a server, print its advertised capabilities, shut down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			language := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mgr := stormlsp.NewManager(cfg, noProvider{}, stormlsp.WithLogger(logger))
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			defer mgr.Close(context.Background())

			if err := mgr.AwaitReady(ctx, language); err != nil {
				return err
			}
			caps, err := mgr.Capabilities(language)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(caps.Raw(), &pretty); err != nil {
				fmt.Println(string(caps.Raw()))
				return nil
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&flagSetInit, "set-init", nil, "patch init options, language.path=value")
	return cmd
}

func newHoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hover <file> <line> <col>",
		Short: "Run a one-shot textDocument/hover against a real server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			line, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad line %q", args[1])
			}
			col, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("bad col %q", args[2])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			provider := fileProvider{1: path}
			mgr := stormlsp.NewManager(cfg, provider,
				stormlsp.WithLogger(logger),
				stormlsp.WithWorkspaceFolders(stormlsp.DetectWorkspaceFolder(path)))
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			defer mgr.Close(context.Background())

			pending, err := mgr.RequestAt(ctx, 1, "textDocument/hover", stormlsp.Position{
				Line:      line,
				Character: col,
			})
			if err != nil {
				return err
			}
			var hover stormlsp.Hover
			if err := pending.WaitInto(ctx, &hover); err != nil {
				return err
			}
			// Contents is MarkupContent, MarkedString, or an array of the
			// latter; print the markup value when present, raw otherwise.
			if v := gjson.GetBytes(hover.Contents, "value"); v.Exists() {
				fmt.Println(v.String())
			} else {
				fmt.Println(string(hover.Contents))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&flagSetInit, "set-init", nil, "patch init options, language.path=value")
	return cmd
}

// fileProvider maps buffer ids straight to files on disk.
type fileProvider map[stormlsp.BufferID]string

func (p fileProvider) FullText(id stormlsp.BufferID) (string, error) {
	path, ok := p[id]
	if !ok {
		return "", stormlsp.ErrNoPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p fileProvider) Path(id stormlsp.BufferID) (string, bool) {
	path, ok := p[id]
	return path, ok
}

// noProvider backs commands that never touch documents.
type noProvider struct{}

func (noProvider) FullText(stormlsp.BufferID) (string, error) { return "", stormlsp.ErrNoPath }
func (noProvider) Path(stormlsp.BufferID) (string, bool)      { return "", false }
