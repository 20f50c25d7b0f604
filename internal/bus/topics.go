package bus

// Lifecycle topics.
const (
	TopicLifecycleStateChanged = "lifecycle.state_changed"
	TopicUpdateAvailable       = "lifecycle.update_available"
	TopicControllerChanged     = "lifecycle.controller_changed"
	TopicInstallFailed         = "lifecycle.install_failed"
)

// Cache topics.
const (
	TopicCacheStoreDeleted = "cache.store_deleted"
	TopicCacheCleanup      = "cache.cleanup"
)

// Deferred sync topics.
const (
	TopicSyncEnqueued = "sync.enqueued"
	TopicSyncReplayed = "sync.replayed"
	TopicSyncStalled  = "sync.stalled"
)

// Connectivity topic, published when the origin probe changes state.
const TopicConnectivity = "agent.connectivity"

// Push and client topics.
const (
	TopicPushReceived       = "push.received"
	TopicNotificationAction = "push.notification_action"
	TopicClientNavigate     = "client.navigate"
	TopicInstallPrompt      = "client.install_prompt"
)

// LifecycleEvent is published on every lifecycle state transition.
type LifecycleEvent struct {
	InstanceID string
	Version    string
	From       string
	To         string
}

// UpdateEvent carries the versions involved in a pending or completed takeover.
type UpdateEvent struct {
	CurrentVersion string
	NewVersion     string
	Notes          string
}

// InstallFailedEvent is published when a new version's install batch fails.
type InstallFailedEvent struct {
	Version string
	URL     string
	Reason  string
}

// CacheStoreEvent identifies a physical cache store.
type CacheStoreEvent struct {
	StoreName string
}

// CacheCleanupEvent summarizes an activation cleanup pass.
type CacheCleanupEvent struct {
	Retained []string
	Deleted  []string
}

// SyncEvent describes a deferred action or a drain outcome for one tag.
type SyncEvent struct {
	Tag      string
	ActionID string
	Replayed int
	Error    string
}

// NavigateEvent asks connected application clients to open a route.
type NavigateEvent struct {
	Route          string
	NotificationID string
}

// NotificationActionEvent records a user's interaction with a notification.
type NotificationActionEvent struct {
	NotificationID string
	Action         string
}

// ConnectivityEvent reports the agent's view of the origin.
type ConnectivityEvent struct {
	Online    bool
	LatencyMS int64
}
