package runtime

import (
	"github.com/rs/zerolog"

	"github.com/fairhopeweb/guijs/framework"
)

// Classification is the reconciliation verdict for one dependency.
type Classification string

const (
	UpToDate     Classification = "up_to_date"
	NeedsInstall Classification = "needs_install"
	NeedsUpdate  Classification = "needs_update"
)

// DependencyStatus is the reconciliation result for one manifest entry.
type DependencyStatus struct {
	Name             string
	RequiredSpec     string
	InstalledVersion string
	Installed        bool
	Classification   Classification
}

// VersionResolverFunc reports the locally installed version of a dependency.
type VersionResolverFunc func(name string) (string, bool)

// Reconciler classifies manifest dependencies against what is installed.
type Reconciler struct {
	Logger zerolog.Logger
}

// Reconcile visits the manifest dependencies in sorted order. A dependency with
// no resolvable binary needs an install. Otherwise the range-stripped versions
// are compared and the dependency needs an update when the manifest version is
// ahead of the installed one (legacy comparison value 1). Unparseable versions
// are logged and left alone.
func (r Reconciler) Reconcile(manifest *RemoteManifest, resolve VersionResolverFunc) []DependencyStatus {
	if manifest == nil {
		return nil
	}
	deps := manifest.RequiredDependencies()
	names := manifest.DependencyNames()
	out := make([]DependencyStatus, 0, len(names))
	for _, name := range names {
		status := DependencyStatus{
			Name:           name,
			RequiredSpec:   deps[name],
			Classification: UpToDate,
		}
		installed, ok := "", false
		if resolve != nil {
			installed, ok = resolve(name)
		}
		if !ok {
			status.Classification = NeedsInstall
			out = append(out, status)
			continue
		}
		status.Installed = true
		status.InstalledVersion = installed
		cmp, err := framework.LegacyCompare(
			framework.StripVersionRange(installed),
			framework.StripVersionRange(status.RequiredSpec),
		)
		switch {
		case err != nil:
			r.Logger.Warn().Err(err).Str("dependency", name).Msg("cannot compare versions, leaving as is")
		case cmp == 1:
			r.Logger.Info().
				Str("dependency", name).
				Str("installed", installed).
				Str("required", status.RequiredSpec).
				Msg("found update")
			status.Classification = NeedsUpdate
		}
		out = append(out, status)
	}
	return out
}

// Partition splits statuses into the install batch and the update batch,
// preserving order.
func Partition(statuses []DependencyStatus) (install, update []string) {
	for _, s := range statuses {
		switch s.Classification {
		case NeedsInstall:
			install = append(install, s.Name)
		case NeedsUpdate:
			update = append(update, s.Name)
		}
	}
	return install, update
}
