package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wolfeidau/tiered-cache/store/outbox"
)

// OutboxCmd groups offline outbox maintenance. Do not run these against a
// database a serve process holds open; bbolt's file lock makes them wait.
type OutboxCmd struct {
	Path string `help:"Path to the outbox database (overrides config)." env:"TIERED_CACHE_OUTBOX_PATH"`

	Stats   OutboxStatsCmd   `cmd:"" help:"Print bucket counts and limits."`
	Pending OutboxPendingCmd `cmd:"" help:"List pending entries, oldest first."`
	DLQ     OutboxDLQCmd     `cmd:"" name:"dlq" help:"List dead-lettered entries, oldest first."`
	Show    OutboxShowCmd    `cmd:"" help:"Print one entry and its state."`
	Purge   OutboxPurgeCmd   `cmd:"" help:"Delete processed entries, oldest first."`
	Reap    OutboxReapCmd    `cmd:"" help:"Return expired inflight leases to pending."`
	Enqueue OutboxEnqueueCmd `cmd:"" help:"Record a JSON payload as a pending entry."`
}

// withOutbox opens the configured outbox for the duration of fn.
func (rt *runtime) withOutbox(fn func(ctx context.Context, ob *outbox.Outbox) error) error {
	ob, err := openOutbox(rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer ob.Close() //nolint:errcheck

	return fn(context.Background(), ob)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type OutboxStatsCmd struct{}

func (c *OutboxStatsCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		stats, err := ob.Statistics(ctx)
		if err != nil {
			return err
		}
		return printJSON(rt.stdout, stats)
	})
}

type OutboxPendingCmd struct {
	Limit int `help:"Maximum entries to list (0 for all)." default:"100"`
}

func (c *OutboxPendingCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		entries, err := ob.FetchPending(ctx, c.Limit)
		if err != nil {
			return err
		}
		return printJSON(rt.stdout, entries)
	})
}

type OutboxDLQCmd struct {
	Limit int `help:"Maximum entries to list (0 for all)." default:"100"`
}

func (c *OutboxDLQCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		entries, err := ob.FetchDLQ(ctx, c.Limit)
		if err != nil {
			return err
		}
		return printJSON(rt.stdout, entries)
	})
}

type OutboxShowCmd struct {
	ID string `arg:"" help:"Entry id."`
}

func (c *OutboxShowCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		entry, state, err := ob.Lookup(ctx, c.ID)
		if err != nil {
			return err
		}
		if state == outbox.StateNone {
			return fmt.Errorf("outbox entry %s not found", c.ID)
		}
		return printJSON(rt.stdout, map[string]any{"state": state, "entry": entry})
	})
}

type OutboxPurgeCmd struct {
	Max int `help:"Maximum entries to delete (0 for all)."`
}

func (c *OutboxPurgeCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		n, err := ob.PurgeProcessed(ctx, c.Max)
		if err != nil {
			return err
		}
		return printJSON(rt.stdout, map[string]int{"purged": n})
	})
}

type OutboxReapCmd struct{}

func (c *OutboxReapCmd) Run(rt *runtime) error {
	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		ids, err := ob.ReapTimeouts(ctx)
		if err != nil {
			return err
		}
		if ids == nil {
			ids = []string{}
		}
		return printJSON(rt.stdout, map[string]any{"reaped": ids})
	})
}

type OutboxEnqueueCmd struct {
	Payload  string            `arg:"" help:"JSON payload."`
	Metadata map[string]string `help:"Metadata key=value pairs." mapsep:","`
}

func (c *OutboxEnqueueCmd) Run(rt *runtime) error {
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	var metadata map[string]any
	if len(c.Metadata) > 0 {
		metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			metadata[k] = v
		}
	}

	return rt.withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
		id, err := ob.Enqueue(ctx, payload, metadata)
		if err != nil {
			return err
		}
		return printJSON(rt.stdout, map[string]string{"id": id})
	})
}
