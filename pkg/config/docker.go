package config

import (
	"net"
	"net/url"
	"os"
	"sync"
)

// dockerEnvPath is the marker file present in every Docker container.
var dockerEnvPath = "/.dockerenv"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the process runs inside a Docker container.
// The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvPath)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when running
// inside Docker, so Postgres and Redis on the host machine stay reachable.
// Empty and non-loopback hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}

// ResolveURLForDocker applies ResolveHostForDocker to the host of a URL such as
// nats://localhost:4222. Unparseable values are returned unchanged.
func ResolveURLForDocker(rawURL string) string {
	return resolveURL(rawURL, IsRunningInDocker())
}

// ResolveEndpointForDocker applies ResolveHostForDocker to a host:port endpoint.
func ResolveEndpointForDocker(endpoint string) string {
	return resolveEndpoint(endpoint, IsRunningInDocker())
}

func resolveURL(rawURL string, inDocker bool) string {
	if rawURL == "" || !inDocker {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.Host = resolveEndpoint(u.Host, inDocker)
	return u.String()
}

func resolveEndpoint(endpoint string, inDocker bool) string {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return resolveHost(endpoint, inDocker)
	}
	return net.JoinHostPort(resolveHost(host, inDocker), port)
}
