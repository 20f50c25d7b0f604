package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkOrigin,
		checkBindAddr,
		checkChannels,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run `offlined init`)"}
	}
	if cfg.Version == "" {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No version set; nothing will be installed"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("version=%s manifest=%d", cfg.Version, len(cfg.Manifest)),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := config.DBPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Not created yet (agent has never run)"}
	}

	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	entries, err := store.CacheEntryCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	depth, err := store.DeferredDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	res := CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("cache_entries=%d deferred=%d", entries, depth),
	}
	if depth > 0 {
		res.Status = "WARN"
		res.Message = fmt.Sprintf("%d deferred actions waiting for sync", depth)
	}
	return res
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkOrigin(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Origin == "" {
		return CheckResult{Name: "Origin", Status: "SKIP", Message: "Config missing"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.NetworkTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, cfg.Origin+"/", nil)
	if err != nil {
		return CheckResult{Name: "Origin", Status: "FAIL", Message: fmt.Sprintf("Bad origin: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		// Offline is a state the agent is built for, not a broken install.
		return CheckResult{
			Name:    "Origin",
			Status:  "WARN",
			Message: fmt.Sprintf("Origin unreachable: %v", err),
			Detail:  fmt.Sprintf("origin=%s, latency=%dms", cfg.Origin, latency.Milliseconds()),
		}
	}
	resp.Body.Close()

	return CheckResult{
		Name:    "Origin",
		Status:  "PASS",
		Message: fmt.Sprintf("Origin answered %s (%dms)", resp.Status, latency.Milliseconds()),
		Detail:  fmt.Sprintf("origin=%s", cfg.Origin),
	}
}

func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		var sysErr *os.SyscallError
		if errors.As(err, &sysErr) && errors.Is(sysErr.Err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Bind Address", Status: "WARN", Message: fmt.Sprintf("%s in use (agent already running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func checkChannels(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	switch {
	case tg.Enabled:
		return CheckResult{Name: "Channels", Status: "PASS", Message: "Telegram relay configured"}
	case tg.Token != "" && tg.ChatID == 0:
		return CheckResult{
			Name:    "Channels",
			Status:  "WARN",
			Message: "Telegram token set without chat_id",
			Detail:  "Set channels.telegram.chat_id or OFFLINED_TELEGRAM_CHAT_ID",
		}
	default:
		return CheckResult{Name: "Channels", Status: "PASS", Message: "No external relays (log only)"}
	}
}
