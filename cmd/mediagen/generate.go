package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/channels"
	"github.com/HKUDS/mediagen-go/pkg/mediaproviders"
	"github.com/HKUDS/mediagen-go/pkg/runner"
)

// errGenerationFailed is returned once failed results have been printed; main exits non-zero.
var errGenerationFailed = errors.New("generation failed")

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resultSummary is the printable form of a result; the payload itself is on disk or omitted.
type resultSummary struct {
	Provider      string `json:"provider"`
	Operation     string `json:"operation"`
	Input         string `json:"input"`
	Success       bool   `json:"success"`
	MediaType     string `json:"mediaType,omitempty"`
	Bytes         int    `json:"bytes,omitempty"`
	Path          string `json:"path,omitempty"`
	URL           string `json:"url,omitempty"`
	Text          string `json:"text,omitempty"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"errorKind,omitempty"`
}

func summarize(res *mediaproviders.Result) resultSummary {
	s := resultSummary{
		Provider:      res.Provider,
		Operation:     string(res.Operation),
		Input:         res.Input,
		Success:       res.Success,
		MediaType:     res.MediaType,
		Bytes:         len(res.Payload),
		URL:           res.URL,
		Text:          res.Text,
		RevisedPrompt: res.RevisedPrompt,
		Attempts:      res.Attempts,
	}
	if res.Artifact != nil {
		s.Path = res.Artifact.Path
		if res.Artifact.URL != "" {
			s.URL = res.Artifact.URL
		}
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
		s.ErrorKind = string(res.Err.Kind)
	}
	return s
}

func printResult(res *mediaproviders.Result, asJSON bool) {
	s := summarize(res)
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s)
		return
	}
	if !s.Success {
		fmt.Printf("FAILED  %s  %q: %s\n", s.Provider, s.Input, s.Error)
		return
	}
	fmt.Printf("OK      %s  %q  %s  %s\n", s.Provider, s.Input, s.MediaType, humanize.Bytes(uint64(s.Bytes)))
	if s.Path != "" {
		fmt.Printf("        saved to %s\n", s.Path)
	}
	if s.URL != "" {
		fmt.Printf("        url %s\n", s.URL)
	}
	if s.RevisedPrompt != "" {
		fmt.Printf("        revised prompt: %s\n", s.RevisedPrompt)
	}
	if s.Text != "" {
		fmt.Println(s.Text)
	}
}

// resolveClient picks the client from -p, or from -model when no provider is named.
func resolveClient(a *app, provider, model string, opts optionFlags) (*mediaproviders.Client, error) {
	if provider != "" {
		if model != "" {
			opts["model"] = model
		}
		return a.factory.GetClient(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("-p provider or -model is required (see: mediagen providers)")
	}
	c, extra, err := a.factory.ClientForModel(model)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		opts[k] = v
	}
	return c, nil
}

func runGenerate(args []string) error {
	fs := newFlagSet("generate")
	configPath := fs.String("c", "", "Path to config file")
	provider := fs.String("p", "", "Provider ID")
	model := fs.String("model", "", "Model name; picks the provider when -p is not set")
	save := fs.Bool("save", false, "Save the result even if output.save is off")
	notify := fs.String("notify", "", "Send the result to channel:target")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	opts := optionFlags{}
	fs.Var(opts, "o", "Provider option key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("usage: mediagen generate -p <provider> [-o k=v ...] <prompt | text | audio path>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx, *configPath, nil)
	if err != nil {
		return err
	}
	if *save {
		a.cfg.Output.Save = true
	}
	client, err := resolveClient(a, *provider, *model, opts)
	if err != nil {
		return err
	}

	res := client.Generate(ctx, mediaproviders.Request{Input: input, Options: opts})
	if res.Success && res.Artifact == nil && (*save || *notify != "") {
		_ = client.Save(ctx, res)
	}
	printResult(res, *asJSON)

	if *notify != "" {
		if err := notifyResult(ctx, a, *notify, res); err != nil {
			return err
		}
	}
	if !res.Success {
		return errGenerationFailed
	}
	return nil
}

func notifyResult(ctx context.Context, a *app, target string, res *mediaproviders.Result) error {
	channel, to, ok := strings.Cut(target, ":")
	if !ok || channel == "" {
		return fmt.Errorf("-notify wants channel:target, got %q", target)
	}
	mgr := channels.NewManager(&a.cfg.Channels, nil, a.log)
	msg := runner.Outbound(res, nil)
	msg.ChatID = to
	delivered, err := mgr.Send(ctx, channel, channels.FromOutbound(msg))
	if err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	if !delivered {
		return fmt.Errorf("notify %s: message not accepted", channel)
	}
	return nil
}

func runBatch(args []string) error {
	fs := newFlagSet("batch")
	configPath := fs.String("c", "", "Path to config file")
	provider := fs.String("p", "", "Provider ID")
	model := fs.String("model", "", "Model name; picks the provider when -p is not set")
	file := fs.String("f", "", "File with one input per line; - reads stdin")
	parallel := fs.Int("parallel", 1, "Concurrent requests")
	asJSON := fs.Bool("json", false, "Print results as JSON")
	opts := optionFlags{}
	fs.Var(opts, "o", "Provider option key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inputs, err := readInputs(*file, fs.Args())
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs: use -f prompts.txt or pass inputs as arguments")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx, *configPath, nil)
	if err != nil {
		return err
	}
	client, err := resolveClient(a, *provider, *model, opts)
	if err != nil {
		return err
	}

	results := client.Batch(ctx, mediaproviders.Request{Options: opts}, inputs, *parallel)
	for _, res := range results {
		printResult(res, *asJSON)
	}
	ok := mediaproviders.Succeeded(results)
	a.log.Info().Int("succeeded", ok).Int("total", len(results)).Msg("Batch finished")
	if ok < len(results) {
		return fmt.Errorf("%d of %d inputs failed: %w", len(results)-ok, len(results), errGenerationFailed)
	}
	return nil
}

func readInputs(path string, args []string) ([]string, error) {
	if path == "" {
		return args, nil
	}
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}

	var inputs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inputs = append(inputs, line)
	}
	return inputs, sc.Err()
}

func runSend(args []string) error {
	fs := newFlagSet("send")
	configPath := fs.String("c", "", "Path to config file")
	channel := fs.String("ch", "", "Channel name (dingtalk, webhook, telegram, feishu)")
	to := fs.String("to", "", "Target user, chat, or conversation ID")
	kind := fs.String("kind", "", "text, image, audio, or file; detected from the file when empty")
	text := fs.String("text", "", "Message text or caption")
	url := fs.String("url", "", "Public URL of the file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channel == "" {
		return fmt.Errorf("usage: mediagen send -ch <channel> -to <target> [-text msg] [path]")
	}

	n := channels.Notification{Kind: channels.Kind(*kind), Text: *text, URL: *url, To: *to}
	if fs.NArg() > 0 {
		n.Path = fs.Arg(0)
		if _, err := os.Stat(n.Path); err != nil {
			return err
		}
	}
	if n.Path == "" && n.Text == "" && n.URL == "" {
		return fmt.Errorf("nothing to send")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx, *configPath, nil)
	if err != nil {
		return err
	}
	mgr := channels.NewManager(&a.cfg.Channels, nil, a.log.Level(zerolog.WarnLevel))
	delivered, err := mgr.Send(ctx, *channel, n)
	if err != nil {
		return err
	}
	if !delivered {
		return fmt.Errorf("message not accepted by %s", *channel)
	}
	fmt.Println("sent")
	return nil
}
