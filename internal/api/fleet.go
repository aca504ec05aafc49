package api

import (
	"context"
	"fmt"

	"github.com/rickgao/fleetsync/internal/state"
)

// ListHosts fetches every configured host.
func (c *Client) ListHosts(ctx context.Context) ([]state.Host, error) {
	var hosts []state.Host
	if err := c.get(ctx, "/api/hosts", nil, &hosts); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

// ListContainers fetches containers across all hosts.
func (c *Client) ListContainers(ctx context.Context) ([]state.Container, error) {
	var containers []state.Container
	if err := c.get(ctx, "/api/containers", nil, &containers); err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return containers, nil
}

// GetSettings fetches the global settings record.
func (c *Client) GetSettings(ctx context.Context) (state.Settings, error) {
	var settings state.Settings
	if err := c.get(ctx, "/api/settings", nil, &settings); err != nil {
		return state.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}
