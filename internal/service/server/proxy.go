package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkdeploy/ark/internal/remote"
	"github.com/arkdeploy/ark/internal/service/operation"
)

// EnsureProxy makes sure the Traefik container runs on the proxy network.
// A stopped proxy is started, a missing or detached one is recreated. With
// force the container is always recreated. It reports whether anything
// changed.
func EnsureProxy(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, opts remote.TraefikOptions, force bool) (bool, error) {
	if opts.Network != "" {
		if _, err := rec.Run(ctx, conn.Runner, "ensure network", remote.EnsureNetwork(opts.Network), true); err != nil {
			return false, err
		}
	}
	state, err := conn.Inspector.Inspect(ctx, remote.ProxyContainerName)
	switch {
	case errors.Is(err, remote.ErrContainerNotFound):
		return true, runProxy(ctx, conn, rec, opts)
	case err != nil:
		return false, fmt.Errorf("inspect proxy: %w", err)
	}

	if force || (opts.Network != "" && !state.OnNetwork(opts.Network)) {
		if _, err := rec.Run(ctx, conn.Runner, "remove proxy", remote.DockerRemove(remote.ProxyContainerName), true); err != nil {
			return false, err
		}
		return true, runProxy(ctx, conn, rec, opts)
	}
	if !state.Running {
		_, err := rec.Run(ctx, conn.Runner, "start proxy", remote.DockerStart(remote.ProxyContainerName), true)
		return true, err
	}
	rec.Note(ctx, "proxy", "proxy already running")
	return false, nil
}

func runProxy(ctx context.Context, conn *remote.Conn, rec *operation.Recorder, opts remote.TraefikOptions) error {
	_, err := rec.Run(ctx, conn.Runner, "run proxy", remote.DockerRun(remote.TraefikSpec(opts)), true)
	return err
}
