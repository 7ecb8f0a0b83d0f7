// Package handler composes an ordered list of policies into one action,
// with an instance-id cache in Redis so a repeated Postfix query for the
// same mail transaction short-circuits without re-running any policy,
// from any worker behind the load balancer.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/policy"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
)

// Handler composes an ordered pipeline of policies behind the shared
// user-key extraction rule and the handler:<instance> cache.
type Handler struct {
	name      string
	policies  []policy.Policy
	userKeys  []string
	requireUK bool
	noUserKey string
	redis     *redisclient.Client
	log       zerolog.Logger
}

// New constructs a Handler. name identifies this pipeline in logs
// ("oqp", "sda", "grl", "spf", "outbound", "inbound").
func New(name string, cfg config.CHAPPSSection, redis *redisclient.Client, log zerolog.Logger, policies ...policy.Policy) *Handler {
	return &Handler{
		name:      name,
		policies:  policies,
		userKeys:  cfg.UserKey,
		requireUK: cfg.RequireUserKey,
		noUserKey: cfg.NoUserKeyResponse,
		redis:     redis,
		log:       log,
	}
}

// Handle runs req through the composed pipeline and returns a single
// Postfix action.
func (h *Handler) Handle(ctx context.Context, req *protocol.Request) (string, error) {
	if req.Instance != "" {
		if cached, found, err := h.redis.GetHandlerAction(ctx, req.Instance); err != nil {
			h.log.Warn().Err(err).Str("instance", req.Instance).Msg("handler: cache read failed, proceeding uncached")
		} else if found {
			h.log.Debug().Str("pipeline", h.name).Str("instance", req.Instance).Msg("handler: served from instance cache")
			return cached, nil
		}
	}

	action, err := h.run(ctx, req)
	if err != nil {
		return "", err
	}

	if req.Instance != "" {
		if err := h.redis.SetHandlerAction(ctx, req.Instance, action); err != nil {
			h.log.Warn().Err(err).Str("instance", req.Instance).Msg("handler: failed to cache action")
		}
	}
	return action, nil
}

func (h *Handler) run(ctx context.Context, req *protocol.Request) (string, error) {
	user, err := h.extractUser(req)
	if err != nil {
		if errors.Is(err, protocol.ErrAuthenticationFailed) {
			return h.noUserKey, nil
		}
		return "", err
	}

	action := protocol.Dunno
	for _, p := range h.policies {
		result, err := p.Evaluate(ctx, req, user)
		if err != nil {
			return "", fmt.Errorf("handler %s: %w", h.name, err)
		}
		action = result.Action
		if result.Terminate {
			break
		}
	}
	return action, nil
}

func (h *Handler) extractUser(req *protocol.Request) (string, error) {
	if h.requireUK {
		return policy.ExtractPrimaryUser(req, h.userKeys)
	}
	return policy.ExtractUser(req, h.userKeys)
}
