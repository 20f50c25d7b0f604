package coordinator

import "time"

// Quality buckets the round trip to the origin the way browsers report an
// effective connection type.
type Quality string

const (
	QualityUnknown Quality = ""
	Quality4G      Quality = "4g"
	Quality3G      Quality = "3g"
	Quality2G      Quality = "2g"
	QualitySlow2G  Quality = "slow-2g"
)

// QualityFor maps a probe round trip onto a connection quality.
func QualityFor(latency time.Duration) Quality {
	switch {
	case latency <= 0:
		return QualityUnknown
	case latency >= 2000*time.Millisecond:
		return QualitySlow2G
	case latency >= 1400*time.Millisecond:
		return Quality2G
	case latency >= 270*time.Millisecond:
		return Quality3G
	default:
		return Quality4G
	}
}

// Status reflects the most recent signal from each stream the coordinator
// observes.
type Status struct {
	// Connected is true while the message channel to the agent is up.
	Connected bool `json:"connected"`
	// Online is false when either the agent or, per the agent's probe, the
	// origin is unreachable.
	Online                 bool    `json:"online"`
	Quality                Quality `json:"connection_quality,omitempty"`
	LatencyMS              int64   `json:"latency_ms,omitempty"`
	InstallPromptAvailable bool    `json:"install_prompt_available"`
	UpdateAvailable        bool    `json:"update_available"`
	ActiveVersion          string  `json:"active_version,omitempty"`
	WaitingVersion         string  `json:"waiting_version,omitempty"`
	ReleaseNotes           string  `json:"release_notes,omitempty"`
	// LastError holds the latest install failure or sync stall.
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitempty"`
}

// Result is what every coordinator operation resolves to. Operations never
// return errors: failures, including missing capabilities, become OK=false
// with a reason.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func ok() Result { return Result{OK: true} }

func fail(reason string) Result { return Result{Reason: reason} }
