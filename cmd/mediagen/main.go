package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/artifacts"
	"github.com/HKUDS/mediagen-go/pkg/config"
	"github.com/HKUDS/mediagen-go/pkg/mediaproviders"
	"github.com/HKUDS/mediagen-go/pkg/utils"
)

const usage = `Usage: mediagen <command> [flags] [args]

Commands:
  generate   generate one image, speech clip, or transcript
  batch      generate once per line of a prompt file
  providers  list the registered providers
  send       send a file or text to a chat channel
  schedule   add, list, or remove scheduled generations
  serve      run chat listeners, scheduled jobs, and the metrics endpoint
  onboard    write a default config file

Run "mediagen <command> -h" for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "generate":
		err = runGenerate(args)
	case "batch":
		err = runBatch(args)
	case "providers":
		err = runProviders(args)
	case "send":
		err = runSend(args)
	case "schedule":
		err = runSchedule(args)
	case "serve":
		err = runServe(args)
	case "onboard":
		err = runOnboard(args)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by commands: configuration, logger, and the client factory.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	factory *mediaproviders.Factory
}

func setup(ctx context.Context, configPath string, metrics *mediaproviders.Metrics) (*app, error) {
	config.LoadDotEnv()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := utils.SetupLogger(cfg.Log.Dir, cfg.Log.Level)
	factory, err := mediaproviders.NewFactory(cfg, &logger, metrics)
	if err != nil {
		return nil, err
	}

	opts := []artifacts.StoreOption{artifacts.WithLogger(logger)}
	if cfg.Storage.Enabled {
		mirror, err := artifacts.NewS3Mirror(ctx, artifacts.S3Config{
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			Region:        cfg.Storage.Region,
			UseSSL:        cfg.Storage.UseSSL,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		opts = append(opts, artifacts.WithMirror(mirror))
	}
	factory.Store = artifacts.NewStore(cfg.Output.Dir, opts...)

	return &app{cfg: cfg, log: logger, factory: factory}, nil
}

// optionFlags collects repeated -o key=value flags.
type optionFlags map[string]string

func (o optionFlags) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (o optionFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("option %q must be key=value", s)
	}
	o[strings.TrimSpace(k)] = v
	return nil
}

func runProviders(args []string) error {
	fs := newFlagSet("providers")
	configPath := fs.String("c", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := setup(context.Background(), *configPath, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATION\tENDPOINT\tCREDENTIALS\tREADY")
	for _, id := range a.factory.Registry.IDs() {
		p, err := a.factory.Registry.Resolve(id)
		if err != nil {
			return err
		}
		ready := "yes"
		for _, name := range p.Credentials {
			if _, ok := a.cfg.Credential(name); !ok {
				ready = "no"
				break
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Operation, p.Endpoint, strings.Join(p.Credentials, ","), ready)
	}
	return w.Flush()
}

func runOnboard(args []string) error {
	fs := newFlagSet("onboard")
	configPath := fs.String("c", filepath.Join(".mediagen", "config.json"), "Path of the config file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*configPath); err == nil {
		fmt.Printf("Config file already exists at %s\n", *configPath)
		return nil
	}

	cfg := config.DefaultConfig()
	for id, p := range registryOverrides() {
		if cfg.Providers == nil {
			cfg.Providers = map[string]config.ProviderOverride{}
		}
		cfg.Providers[id] = p
	}
	if err := cfg.Save(*configPath); err != nil {
		return err
	}
	for _, dir := range []string{cfg.Output.Dir, cfg.Log.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	fmt.Printf("Created config file at %s\n", *configPath)
	fmt.Println("Set provider API keys in the environment or a .env file, for example:")
	for _, name := range credentialNames() {
		fmt.Printf("  %s=...\n", name)
	}
	return nil
}

// registryOverrides lists every provider with its default timeout so the written config is a
// complete, editable template.
func registryOverrides() map[string]config.ProviderOverride {
	reg := mediaproviders.DefaultRegistry()
	out := make(map[string]config.ProviderOverride)
	for _, id := range reg.IDs() {
		p, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		out[id] = config.ProviderOverride{
			Endpoint:       p.Endpoint,
			TokenEndpoint:  p.TokenEndpoint,
			TimeoutSeconds: int(p.Timeout.Seconds()),
		}
	}
	return out
}

func credentialNames() []string {
	reg := mediaproviders.DefaultRegistry()
	seen := map[string]bool{}
	var names []string
	for _, id := range reg.IDs() {
		p, _ := reg.Resolve(id)
		for _, n := range p.Credentials {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}
