package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"textbridge/internal/api"
	"textbridge/internal/cache"
	"textbridge/internal/fetch"
	"textbridge/internal/identity"
	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// CoreDeps carries the collaborators the built-in handlers need.
type CoreDeps struct {
	API      *api.Client
	Fetcher  *fetch.Fetcher
	Cache    *cache.Store
	Identity identity.Provider

	TemplatesTTL time.Duration
	StatsTTL     time.Duration
}

// RegisterCoreHandlers wires the standard action set onto d.
func RegisterCoreHandlers(d *Dispatcher, deps CoreDeps) {
	d.Register(protocol.ActionPing, func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		return json.Marshal(protocol.Ack{Success: true})
	})

	d.Register(protocol.ActionFormat, func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		var freq protocol.FormatRequest
		if err := json.Unmarshal(msg.Payload, &freq); err != nil {
			return nil, fmt.Errorf("malformed format request: %w", err)
		}
		if freq.Text == "" {
			return nil, fmt.Errorf("format request requires text")
		}
		result, err := deps.API.Format(ctx, freq)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})

	d.Register(protocol.ActionTemplatesList, func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		res, err := deps.Fetcher.FetchWithCache(ctx, "/templates", "templates", deps.Identity.IdentityID(), deps.TemplatesTTL)
		if err != nil {
			return nil, err
		}
		if res.Stale {
			logging.Dispatch("Serving stale template list")
		}
		return res.Data, nil
	})

	d.Register(protocol.ActionStatsGet, func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		res, err := deps.Fetcher.FetchWithCache(ctx, "/stats", "stats", deps.Identity.IdentityID(), deps.StatsTTL)
		if err != nil {
			return nil, err
		}
		if res.Stale {
			logging.Stats("Serving stale usage stats")
		}
		return res.Data, nil
	})

	d.Register(protocol.ActionSessionInvalidate, func(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
		id := deps.Identity.IdentityID()
		if id != "" {
			deps.Cache.InvalidateIdentity(id)
		}
		return json.Marshal(protocol.Ack{Success: true})
	})
}
