package coordinator

import (
	"context"
	"sort"
	"strings"

	"github.com/basket/go-offline/internal/protocol"
	perrors "github.com/jmgilman/go/errors"
)

// PromptInstall shows the pending install prompt. A prompt is consumed
// exactly once; calling again before a new prompt arrives fails.
func (c *Coordinator) PromptInstall(ctx context.Context) Result {
	c.mu.Lock()
	prompt := c.prompt
	c.prompt = nil
	c.mu.Unlock()
	if prompt == nil {
		return fail("no install prompt available")
	}
	c.update(func(s *Status) { s.InstallPromptAvailable = false })

	if c.opts.OnInstall == nil {
		return fail("install is not supported on this platform")
	}
	if err := c.opts.OnInstall(ctx, *prompt); err != nil {
		c.logger.Info("install prompt dismissed", "version", prompt.Version, "error", err)
		return fail(err.Error())
	}
	c.logger.Info("install accepted", "version", prompt.Version)
	return ok()
}

// ApplyUpdate tells the waiting version to take over. The reload callback
// runs once, when the agent confirms the controller change.
func (c *Coordinator) ApplyUpdate(ctx context.Context) Result {
	c.mu.Lock()
	c.reloadArmed = true
	c.mu.Unlock()

	if err := c.call(ctx, protocol.MethodSkipWaiting, nil, nil); err != nil {
		c.mu.Lock()
		c.reloadArmed = false
		c.mu.Unlock()
		if perrors.GetCode(err) == perrors.CodeConflict {
			return fail("no update is waiting")
		}
		return fail(err.Error())
	}
	return ok()
}

// ClearAllCaches deletes every cache store the agent holds, static and
// dynamic. The next navigation is served from the network.
func (c *Coordinator) ClearAllCaches(ctx context.Context) Result {
	var res protocol.CacheClearResult
	if err := c.call(ctx, protocol.MethodCacheClear, nil, &res); err != nil {
		return fail(err.Error())
	}
	c.logger.Info("caches cleared", "stores", len(res.Deleted))
	return ok()
}

// RegisterDeferredSync registers tag with the agent. Registered tags are
// drained whenever connectivity is restored.
func (c *Coordinator) RegisterDeferredSync(ctx context.Context, tag string) Result {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fail("sync tag is empty")
	}
	if err := c.call(ctx, protocol.MethodSyncRegister, protocol.SyncParams{Tag: tag}, nil); err != nil {
		return fail(err.Error())
	}
	c.mu.Lock()
	c.tags[tag] = struct{}{}
	c.mu.Unlock()
	return ok()
}

// Tags lists the registered sync tags.
func (c *Coordinator) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tags))
	for tag := range c.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Share hands a payload to the agent's share target. No share target is a
// capability absence and fails like any other error.
func (c *Coordinator) Share(ctx context.Context, p protocol.ShareParams) Result {
	if p.Title == "" && p.Text == "" && p.URL == "" {
		return fail("nothing to share")
	}
	if err := c.call(ctx, protocol.MethodShare, p, nil); err != nil {
		if perrors.GetCode(err) == perrors.CodeNotImplemented {
			return fail("share is not supported")
		}
		return fail(err.Error())
	}
	return ok()
}

// CheckForUpdate asks the agent to look for a newer deployed version.
func (c *Coordinator) CheckForUpdate(ctx context.Context) Result {
	var res protocol.UpdateCheckResult
	if err := c.call(ctx, protocol.MethodUpdateCheck, nil, &res); err != nil {
		return fail(err.Error())
	}
	if res.Waiting {
		c.update(func(s *Status) {
			s.UpdateAvailable = true
			s.WaitingVersion = res.Version
		})
	}
	return ok()
}
