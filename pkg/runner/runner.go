package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/HKUDS/mediagen-go/pkg/bus"
	"github.com/HKUDS/mediagen-go/pkg/cron"
	"github.com/HKUDS/mediagen-go/pkg/mediaproviders"
)

// Generator is the part of a media client the runner drives.
type Generator interface {
	Generate(ctx context.Context, req mediaproviders.Request) *mediaproviders.Result
	Save(ctx context.Context, res *mediaproviders.Result) error
}

// ClientSource returns the generator for a provider ID.
type ClientSource func(providerID string) (Generator, error)

// FactorySource adapts a client factory.
func FactorySource(f *mediaproviders.Factory) ClientSource {
	return func(id string) (Generator, error) {
		c, err := f.GetClient(id)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Runner turns inbound commands and scheduled jobs into generations and publishes the results.
type Runner struct {
	Bus      *bus.MessageBus
	Clients  ClientSource
	Defaults map[mediaproviders.Operation]string

	sem chan struct{}
	wg  sync.WaitGroup
	log zerolog.Logger
}

// New creates a runner that executes at most workers generations at once.
func New(b *bus.MessageBus, clients ClientSource, defaults map[mediaproviders.Operation]string, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		Bus:      b,
		Clients:  clients,
		Defaults: defaults,
		sem:      make(chan struct{}, workers),
		log:      logger.With().Str("component", "runner").Logger(),
	}
}

// Run consumes inbound messages until ctx is done, then waits for in-flight generations.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info().Msg("Runner started")
	inbound := r.Bus.ConsumeInbound()
	for {
		select {
		case msg := <-inbound:
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func(m bus.InboundMessage) {
				defer func() {
					<-r.sem
					r.wg.Done()
				}()
				r.handle(ctx, m)
			}(msg)
		case <-ctx.Done():
			r.wg.Wait()
			r.log.Info().Msg("Runner stopped")
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg bus.InboundMessage) {
	op := mediaproviders.Operation(msg.Operation)
	provider := msg.Provider
	if provider == "" {
		provider = r.Defaults[op]
	}

	// Chat senders never get to point the server at its own files.
	res, err := r.generate(ctx, provider, mediaproviders.Request{
		Operation:  op,
		Input:      msg.Content,
		Options:    msg.Options,
		RemoteOnly: true,
	})
	out := Outbound(res, err)
	out.Channel = msg.Channel
	out.ChatID = msg.ChatID
	r.Bus.PublishOutbound(out)
}

// RunJob executes a scheduled job and, when it names a channel, publishes the result there.
// The returned error marks the job run as failed.
func (r *Runner) RunJob(ctx context.Context, job cron.Job) error {
	p := job.Payload
	res, err := r.generate(ctx, p.Provider, mediaproviders.Request{
		Operation: mediaproviders.Operation(p.Operation),
		Input:     p.Prompt,
		Options:   p.Options,
	})
	if p.Channel != "" {
		out := Outbound(res, err)
		out.Channel = p.Channel
		out.ChatID = p.To
		out.Metadata = map[string]any{"job": job.ID}
		r.Bus.PublishOutbound(out)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Err
	}
	return nil
}

// generate runs one request and makes sure a successful media result is on disk, since channels
// deliver files.
func (r *Runner) generate(ctx context.Context, provider string, req mediaproviders.Request) (*mediaproviders.Result, error) {
	if provider == "" {
		return nil, fmt.Errorf("no provider configured for %s", req.Operation)
	}
	client, err := r.Clients(provider)
	if err != nil {
		return nil, err
	}
	res := client.Generate(ctx, req)
	if res.Success && res.Artifact == nil {
		if err := client.Save(ctx, res); err != nil {
			r.log.Warn().Err(err).Str("provider", provider).Msg("Result not saved")
		}
	}
	return res, nil
}

// Outbound renders a result as a chat message. Channel and ChatID are left to the caller.
func Outbound(res *mediaproviders.Result, err error) bus.OutboundMessage {
	if err != nil {
		return bus.OutboundMessage{Kind: "text", Content: "Generation failed: " + err.Error()}
	}
	if !res.Success {
		return bus.OutboundMessage{Kind: "text", Content: "Generation failed: " + res.Err.Error()}
	}

	msg := bus.OutboundMessage{URL: res.URL}
	if res.Artifact != nil {
		msg.Media = []string{res.Artifact.Path}
		if res.Artifact.URL != "" {
			msg.URL = res.Artifact.URL
		}
	}

	switch res.Operation {
	case mediaproviders.OpSTT:
		msg.Kind = "text"
		msg.Media = nil
		msg.Content = res.Text
	case mediaproviders.OpTTS:
		msg.Kind = "audio"
		msg.Content = fmt.Sprintf("Speech from %s (%s)", res.Provider, humanize.Bytes(uint64(len(res.Payload))))
	default:
		msg.Kind = "image"
		var b strings.Builder
		fmt.Fprintf(&b, "Image from %s (%s)", res.Provider, humanize.Bytes(uint64(len(res.Payload))))
		if res.RevisedPrompt != "" {
			fmt.Fprintf(&b, "\nRevised prompt: %s", res.RevisedPrompt)
		}
		msg.Content = b.String()
	}
	return msg
}
