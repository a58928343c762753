package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fairhopeweb/guijs/framework"
)

// LocalToolchain describes the runtime binary found on PATH.
type LocalToolchain struct {
	Present bool
	Path    string
	Version string
}

// Probe inspects the local environment and the remote registry.
type Probe struct {
	Runner        framework.ProcessRunner
	Client        *http.Client
	RegistryURL   string
	RuntimeBinary string
	BinaryRules   []BinaryRule
	Logger        zerolog.Logger

	// LookPath defaults to exec.LookPath; tests swap it for a fake PATH.
	LookPath func(string) (string, error)
}

// NewProbe wires a probe from the runtime config.
func NewProbe(cfg Config, runner framework.ProcessRunner, logger zerolog.Logger) *Probe {
	return &Probe{
		Runner:        runner,
		Client:        &http.Client{Timeout: cfg.ManifestTimeout},
		RegistryURL:   cfg.RegistryURL,
		RuntimeBinary: cfg.RuntimeBinary,
		BinaryRules:   cfg.BinaryRules,
		Logger:        logger,
	}
}

// LocateRuntime searches PATH for the runtime binary and asks it for its
// version. An absent binary is not an error.
func (p *Probe) LocateRuntime(ctx context.Context) (LocalToolchain, error) {
	binary := p.RuntimeBinary
	if binary == "" {
		binary = DefaultRuntimeBinary
	}
	path, err := p.lookPath(binary)
	if err != nil {
		p.Logger.Info().Str("binary", binary).Msg("runtime not found on PATH")
		return LocalToolchain{}, nil
	}
	version, err := p.binaryVersion(ctx, path)
	if err != nil {
		return LocalToolchain{Present: true, Path: path}, fmt.Errorf("query %s version: %w", binary, err)
	}
	p.Logger.Info().Str("binary", binary).Str("path", path).Str("version", version).Msg("runtime located")
	return LocalToolchain{Present: true, Path: path, Version: version}, nil
}

// FetchManifest downloads and decodes the registry document. It blocks on the
// network and must run off the command path.
func (p *Probe) FetchManifest(ctx context.Context) (*RemoteManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.RegistryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: registry responded with %s", ErrManifestUnavailable, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrManifestUnavailable, err)
	}
	manifest, err := DecodeManifest(body)
	if err != nil {
		return nil, err
	}
	p.Logger.Info().
		Str("min_runtime", manifest.MinRuntimeVersion()).
		Int("dependencies", len(manifest.RequiredDependencies())).
		Msg("manifest fetched")
	return manifest, nil
}

// InstalledVersion resolves the on-PATH binary for a dependency and returns
// the version it reports. Missing binaries and failing version queries both
// count as not installed.
func (p *Probe) InstalledVersion(ctx context.Context, dependency string) (string, bool) {
	binary := p.BinaryName(dependency)
	path, err := p.lookPath(binary)
	if err != nil {
		p.Logger.Debug().Str("dependency", dependency).Str("binary", binary).Msg("dependency binary not found")
		return "", false
	}
	version, err := p.binaryVersion(ctx, path)
	if err != nil {
		p.Logger.Debug().Err(err).Str("dependency", dependency).Msg("dependency not installed")
		return "", false
	}
	p.Logger.Debug().Str("dependency", dependency).Str("version", version).Msg("dependency located")
	return version, true
}

// BinaryName applies the rewrite rules in order, e.g. "@guijs/server-core"
// becomes "guijs-server".
func (p *Probe) BinaryName(dependency string) string {
	name := dependency
	for _, rule := range p.BinaryRules {
		name = strings.ReplaceAll(name, rule.Match, rule.Replace)
	}
	return name
}

func (p *Probe) binaryVersion(ctx context.Context, path string) (string, error) {
	if p.Runner == nil {
		return "", errors.New("process runner required")
	}
	res, err := p.Runner.Run(ctx, framework.CommandRequest{Args: []string{path, "--version"}})
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	version := framework.StripVersionRange(first)
	if version == "" {
		return "", fmt.Errorf("%s --version printed nothing", path)
	}
	return version, nil
}

func (p *Probe) lookPath(binary string) (string, error) {
	if p.LookPath != nil {
		return p.LookPath(binary)
	}
	return exec.LookPath(binary)
}
