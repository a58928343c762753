package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrManifestUnavailable covers every way the remote manifest can fail to
// arrive: network errors, bad status codes, undecodable or incomplete bodies.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// RemoteManifest declares the minimum runtime version and the auxiliary
// packages the launcher needs. It is immutable once decoded.
type RemoteManifest struct {
	minRuntimeVersion string
	dependencies      map[string]string
}

// NewRemoteManifest builds a manifest from already decoded values.
func NewRemoteManifest(minRuntimeVersion string, dependencies map[string]string) *RemoteManifest {
	return &RemoteManifest{
		minRuntimeVersion: minRuntimeVersion,
		dependencies:      maps.Clone(dependencies),
	}
}

// MinRuntimeVersion is the lowest acceptable runtime version.
func (m *RemoteManifest) MinRuntimeVersion() string {
	return m.minRuntimeVersion
}

// RequiredDependencies returns a copy of the dependency name → version spec map.
func (m *RemoteManifest) RequiredDependencies() map[string]string {
	return maps.Clone(m.dependencies)
}

// DependencyNames lists the required dependencies in sorted order.
func (m *RemoteManifest) DependencyNames() []string {
	return slices.Sorted(maps.Keys(m.dependencies))
}

type manifestWire struct {
	Custom struct {
		MinNodeVersion string `json:"minNodeVersion"`
	} `json:"custom"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DecodeManifest parses the registry document
// {"custom":{"minNodeVersion":...},"devDependencies":{...}}.
func DecodeManifest(data []byte) (*RemoteManifest, error) {
	var wire manifestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrManifestUnavailable, err)
	}
	minVersion := strings.TrimSpace(wire.Custom.MinNodeVersion)
	if minVersion == "" {
		return nil, fmt.Errorf("%w: custom.minNodeVersion missing", ErrManifestUnavailable)
	}
	return NewRemoteManifest(minVersion, wire.DevDependencies), nil
}

// MarshalJSON renders the manifest back into its wire shape.
func (m *RemoteManifest) MarshalJSON() ([]byte, error) {
	var wire manifestWire
	wire.Custom.MinNodeVersion = m.minRuntimeVersion
	wire.DevDependencies = m.dependencies
	if wire.DevDependencies == nil {
		wire.DevDependencies = map[string]string{}
	}
	return json.Marshal(wire)
}
