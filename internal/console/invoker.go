// Copyright (c) 2025 Octovalve Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package console

import (
	"context"
	"fmt"

	"github.com/octovalve/console-core/internal/tools"
)

// Invoker serves the list_targets tool from the backend and hands
// every other tool to the delegate (normally the agent-side tool
// bridge).
type Invoker struct {
	client   *Client
	delegate tools.Invoker
}

// NewInvoker wires the backend client in front of the delegate. A nil
// delegate makes unknown tools fail with a descriptive error.
func NewInvoker(client *Client, delegate tools.Invoker) *Invoker {
	return &Invoker{client: client, delegate: delegate}
}

// Invoke implements tools.Invoker.
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if name == "list_targets" {
		targets, err := i.client.ListTargets(ctx)
		if err != nil {
			return nil, err
		}
		return targets, nil
	}
	if i.delegate == nil {
		return nil, fmt.Errorf("no executor for tool %q", name)
	}
	return i.delegate.Invoke(ctx, name, args)
}
