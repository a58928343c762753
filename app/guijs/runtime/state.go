package runtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the bootstrap state machine position.
type State int

const (
	StateInit State = iota
	StateProbingToolchain
	StateToolchainMissing
	StateToolchainIncompatible
	StateReconciling
	StateInstallingMissing
	StateAwaitingUpdateDecision
	StateUpdating
	StateLaunchingService
	StateServiceRunning
	StateFailed
)

var stateNames = map[State]string{
	StateInit:                   "init",
	StateProbingToolchain:       "probing_toolchain",
	StateToolchainMissing:       "toolchain_missing",
	StateToolchainIncompatible:  "toolchain_incompatible",
	StateReconciling:            "reconciling",
	StateInstallingMissing:      "installing_missing",
	StateAwaitingUpdateDecision: "awaiting_update_decision",
	StateUpdating:               "updating",
	StateLaunchingService:       "launching_service",
	StateServiceRunning:         "service_running",
	StateFailed:                 "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no automatic transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateToolchainMissing, StateToolchainIncompatible, StateServiceRunning, StateFailed:
		return true
	}
	return false
}

// transitions lists every legal edge. Anything else is an invariant violation.
var transitions = map[State][]State{
	StateInit:                   {StateProbingToolchain},
	StateProbingToolchain:       {StateToolchainMissing, StateToolchainIncompatible, StateReconciling, StateFailed},
	StateReconciling:            {StateInstallingMissing, StateAwaitingUpdateDecision, StateLaunchingService},
	StateInstallingMissing:      {StateAwaitingUpdateDecision, StateLaunchingService, StateFailed},
	StateAwaitingUpdateDecision: {StateUpdating, StateLaunchingService},
	StateUpdating:               {StateLaunchingService, StateFailed},
	StateLaunchingService:       {StateServiceRunning, StateFailed},
}

func legalTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Notification names published on the state channel.
const (
	NotifySplashscreen      = "splashscreen"
	NotifyFirstDownload     = "first-download"
	NotifyUpdateAvailable   = "update-available"
	NotifyDownloadingUpdate = "downloading-update"
	NotifyNodeNotFound      = "node-not-found"
	NotifyNodeWrongVersion  = "node-wrong-version"
	NotifyServiceReady      = "service-ready"
	NotifyBootstrapFailed   = "bootstrap-failed"
)

// Bus channel names.
const (
	ChannelState = "state"
	ChannelEval  = "eval"
)

// StateEvent is the JSON notification consumed by the presentation layer.
type StateEvent struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

// Encode renders the event as the JSON object published on the bus.
func (e StateEvent) Encode() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// DecodeStateEvent parses a state channel payload.
func DecodeStateEvent(raw string) (StateEvent, error) {
	var e StateEvent
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return StateEvent{}, err
	}
	return e, nil
}

// Transition records one state change and the notification it produced, if
// any.
type Transition struct {
	From         State
	To           State
	Notification *StateEvent
	At           time.Time
}
