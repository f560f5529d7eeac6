package mediaproviders

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Batch runs the template request once per input and returns one result per input, in input order.
// A failed input does not stop the rest. parallel <= 1 runs strictly in sequence.
func (c *Client) Batch(ctx context.Context, template Request, inputs []string, parallel int) []*Result {
	results := make([]*Result, len(inputs))
	if len(inputs) == 0 {
		return results
	}

	run := func(i int) {
		req := template
		req.Input = inputs[i]
		req.Audio = nil
		req.Options = make(map[string]string, len(template.Options))
		for k, v := range template.Options {
			req.Options[k] = v
		}
		c.log.Debug().Int("index", i+1).Int("total", len(inputs)).Msg("Batch item")
		results[i] = c.Generate(ctx, req)
	}

	if parallel <= 1 {
		for i := range inputs {
			run(i)
		}
		return results
	}

	g := new(errgroup.Group)
	g.SetLimit(parallel)
	for i := range inputs {
		i := i
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Succeeded counts the successful results.
func Succeeded(results []*Result) int {
	n := 0
	for _, r := range results {
		if r != nil && r.Success {
			n++
		}
	}
	return n
}
