package config

import (
	"os"
	"sync"
)

// containerMarkers are files the Docker and Podman runtimes create inside every container.
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the application is running inside a container.
// The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		for _, marker := range containerMarkers {
			if _, err := os.Stat(marker); err == nil {
				isDockerResult = true
				return
			}
		}
	})
	return isDockerResult
}

// ResolveHostForDocker returns the address to use for PostgreSQL or Redis.
// Inside a container, loopback hosts are rewritten to "host.docker.internal"
// so that services on the host machine stay reachable.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inContainer bool) string {
	if !inContainer {
		return host
	}

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}
