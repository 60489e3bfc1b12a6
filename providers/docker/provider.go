// Package docker manages containers, volumes, and networks on a local Docker
// engine. Containers are replaced in place on update: the prior container is
// removed and a fresh one created from the desired config.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/alloy-run/alloy"
)

const (
	TypeContainer = "docker::Container"
	TypeVolume    = "docker::Volume"
	TypeNetwork   = "docker::Network"
)

type Provider struct {
	client *client.Client
}

func New() *Provider {
	return &Provider{}
}

// Container declares a container from a config Dict (image, name, env,
// ports, command, platform). Values in the Dict may be Outputs or Resources.
func Container(id string, config alloy.Dict) *alloy.Resource {
	return alloy.NewResource(TypeContainer, id, New(), config)
}

// Volume declares a named volume.
func Volume(id string, name any) *alloy.Resource {
	return alloy.NewResource(TypeVolume, id, New(), name)
}

// Network declares a bridge network.
func Network(id string, name any) *alloy.Resource {
	return alloy.NewResource(TypeNetwork, id, New(), name)
}

// ContainerConfig is the decoded shape of a Container's config Dict.
type ContainerConfig struct {
	Image    string            `json:"image"`
	Name     string            `json:"name"`
	Command  []string          `json:"command"`
	Env      map[string]string `json:"env"`
	Ports    map[string]int    `json:"ports"` // hostPort -> containerPort
	Binds    []string          `json:"binds"`
	Platform *PlatformConfig   `json:"platform"`
}

type PlatformConfig struct {
	OS           string `json:"os"`
	Architecture string `json:"arch"`
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

func (p *Provider) Update(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	switch req.Type {
	case TypeContainer:
		return p.updateContainer(ctx, req)
	case TypeVolume:
		return p.updateVolume(ctx, req)
	case TypeNetwork:
		return p.updateNetwork(ctx, req)
	default:
		return nil, fmt.Errorf("docker: unknown resource type %q", req.Type)
	}
}

func (p *Provider) updateContainer(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		return nil, p.removeContainer(ctx, priorField(req, "id"))
	}

	var cfg ContainerConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker: container %s requires an image", req.FQN)
	}
	name := cfg.Name
	if name == "" {
		name = req.ID
	}

	// Replacement semantics: remove the prior container before recreating.
	if req.Phase == alloy.PhaseUpdate {
		if err := p.removeContainer(ctx, priorField(req, "id")); err != nil {
			return nil, err
		}
	}

	reader, err := p.client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	portBindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for hostPort, containerPort := range cfg.Ports {
		cp := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	var platform *v1.Platform
	if cfg.Platform != nil {
		platform = &v1.Platform{OS: cfg.Platform.OS, Architecture: cfg.Platform.Architecture}
	}

	resp, err := p.client.ContainerCreate(ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cfg.Command,
			Env:          envList(cfg.Env),
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Binds:        cfg.Binds,
		},
		&network.NetworkingConfig{},
		platform,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return map[string]any{
		"id":    resp.ID,
		"name":  name,
		"image": cfg.Image,
	}, nil
}

func (p *Provider) removeContainer(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	timeout := 10 // seconds
	_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

func (p *Provider) updateVolume(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		name := priorField(req, "name")
		if name == "" {
			return nil, nil
		}
		if err := p.client.VolumeRemove(ctx, name, true); err != nil {
			if !client.IsErrNotFound(err) {
				return nil, fmt.Errorf("failed to remove volume: %w", err)
			}
		}
		return nil, nil
	}

	name, err := stringInput(req, 0, "name")
	if err != nil {
		return nil, err
	}
	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	return map[string]any{
		"name":       vol.Name,
		"driver":     vol.Driver,
		"mountpoint": vol.Mountpoint,
	}, nil
}

func (p *Provider) updateNetwork(ctx context.Context, req *alloy.UpdateRequest) (any, error) {
	if req.Phase == alloy.PhaseDelete {
		id := priorField(req, "id")
		if id == "" {
			return nil, nil
		}
		if err := p.client.NetworkRemove(ctx, id); err != nil {
			if !client.IsErrNotFound(err) {
				return nil, fmt.Errorf("failed to remove network: %w", err)
			}
		}
		return nil, nil
	}

	name, err := stringInput(req, 0, "name")
	if err != nil {
		return nil, err
	}

	// Networks are not updatable in place; reuse the prior one if the name
	// is unchanged.
	if req.Phase == alloy.PhaseUpdate && priorField(req, "name") == name {
		return req.PriorOutput, nil
	}

	resp, err := p.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return map[string]any{
		"id":   resp.ID,
		"name": name,
	}, nil
}

// envList converts an env map into the KEY=VALUE list form the Docker API
// expects, sorted for determinism.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// decodeConfig converts the evaluated config map into a typed struct.
func decodeConfig(req *alloy.UpdateRequest, out any) error {
	if len(req.Inputs) == 0 {
		return fmt.Errorf("docker: %s missing config input", req.FQN)
	}
	raw, err := json.Marshal(req.Inputs[0])
	if err != nil {
		return fmt.Errorf("docker: invalid config for %s: %w", req.FQN, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("docker: invalid config for %s: %w", req.FQN, err)
	}
	return nil
}

// priorField reads a string field from the persisted prior output.
func priorField(req *alloy.UpdateRequest, key string) string {
	out, ok := req.PriorOutput.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := out[key].(string)
	return s
}

func stringInput(req *alloy.UpdateRequest, i int, name string) (string, error) {
	if i >= len(req.Inputs) {
		return "", fmt.Errorf("docker: %s missing %s input", req.FQN, name)
	}
	s, ok := req.Inputs[i].(string)
	if !ok {
		return "", fmt.Errorf("docker: %s input of %s must be a string, got %T", name, req.FQN, req.Inputs[i])
	}
	return s, nil
}
