// Package provision makes sure the expected agent binary is installed on
// the device before a session starts.
package provision

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/modlink/modlink/internal/cache"
	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/protocol"
	"github.com/modlink/modlink/internal/transport"
)

// UploadTimeout bounds a single push of the agent to the device. Normal
// pushes take well under a second.
const UploadTimeout = 30 * time.Second

// Upload writes data to path on dev, giving up after timeout. On timeout
// the write's context is cancelled but the remote write may still be in
// flight when Upload returns.
func Upload(ctx context.Context, dev transport.Device, path string, data []byte, timeout time.Duration) error {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- dev.WriteFile(writeCtx, path, bytes.NewReader(data))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return protocol.TransportError(err, "pushing agent to %s", path)
		}
		return nil
	case <-timer.C:
		return protocol.ProvisioningError(nil,
			"did not finish pushing agent to %s within %s; pushes normally take under a second, so this indicates a bug", path, timeout)
	case <-ctx.Done():
		return protocol.TransportError(ctx.Err(), "pushing agent to %s", path)
	}
}

type Provisioner struct {
	dev     transport.Device
	fetcher *Fetcher
	cache   *cache.BinaryCache

	// UploadTimeout defaults to the package constant.
	UploadTimeout time.Duration
}

// New returns a Provisioner for dev. bins may be nil to always download.
func New(dev transport.Device, fetcher *Fetcher, bins *cache.BinaryCache) *Provisioner {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	return &Provisioner{
		dev:           dev,
		fetcher:       fetcher,
		cache:         bins,
		UploadTimeout: UploadTimeout,
	}
}

// RemoteHash returns the lowercase digest of the file at path, or "" if it
// does not exist or cannot be hashed on the device.
func (p *Provisioner) RemoteHash(ctx context.Context, path string) (string, error) {
	out, err := p.dev.Run(ctx, "sha256sum", path)
	if err != nil {
		var re *transport.RunError
		if errors.As(err, &re) {
			slog.Debug("remote hash unavailable", "path", path, "exit", re.ExitCode, "stderr", strings.TrimSpace(re.Stderr))
			return "", nil
		}
		return "", protocol.TransportError(err, "hashing %s on %s", path, p.dev.Name())
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}

// Ensure installs the agent described by agent unless the device already
// holds a file with the expected hash. It reports whether anything was
// installed.
func (p *Provisioner) Ensure(ctx context.Context, agent config.AgentConfig, observe protocol.Observer) (bool, error) {
	remote, err := p.RemoteHash(ctx, agent.RemotePath)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(remote, agent.SHA256) {
		slog.Debug("agent up to date", "path", agent.RemotePath, "sha256", remote)
		return false, nil
	}

	if remote == "" {
		protocol.Notifyf(observe, protocol.LevelInfo, "Agent not installed, installing")
	} else {
		protocol.Notifyf(observe, protocol.LevelInfo, "Agent is out of date, replacing")
	}

	protocol.Notifyf(observe, protocol.LevelInfo, "Removing old agent")
	if err := p.dev.Remove(ctx, agent.RemotePath); err != nil && !transport.IsNotExist(err) {
		return false, protocol.TransportError(err, "removing old agent")
	}

	data, err := p.binary(ctx, agent, observe)
	if err != nil {
		return false, err
	}

	protocol.Notifyf(observe, protocol.LevelInfo, "Pushing agent to device")
	if err := Upload(ctx, p.dev, agent.RemotePath, data, p.UploadTimeout); err != nil {
		return false, err
	}

	protocol.Notifyf(observe, protocol.LevelInfo, "Making agent executable")
	if err := p.dev.Chmod(ctx, agent.RemotePath); err != nil {
		return false, protocol.TransportError(err, "marking agent executable")
	}

	protocol.Notifyf(observe, protocol.LevelInfo, "Agent installed")
	return true, nil
}

// binary returns the agent payload from the local cache or the network.
// Downloaded payloads must match the expected hash.
func (p *Provisioner) binary(ctx context.Context, agent config.AgentConfig, observe protocol.Observer) ([]byte, error) {
	if p.cache != nil {
		if data, ok := p.cache.Get(agent.SHA256); ok {
			protocol.Notifyf(observe, protocol.LevelInfo, "Using cached agent")
			return data, nil
		}
	}

	protocol.Notifyf(observe, protocol.LevelInfo, "Downloading agent")
	data, err := p.fetcher.Fetch(ctx, agent.URL, observe)
	if err != nil {
		return nil, err
	}

	if got := cache.Digest(data); !strings.EqualFold(got, agent.SHA256) {
		return nil, protocol.ProvisioningError(nil,
			"downloaded agent has sha256 %s, expected %s", got, agent.SHA256)
	}

	if p.cache != nil {
		if _, err := p.cache.Put(data); err != nil {
			slog.Warn("caching agent failed", "error", err)
		}
	}
	return data, nil
}
