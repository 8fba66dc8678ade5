// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry holds the capability table of external functions an
// embedding application allows workflows to call. It is an explicit object
// constructed by the application and handed to in-process executors —
// never a package-global map, and the orchestrator itself never consults
// it.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Func is a registered external function: it receives JSON-encoded args
// and returns a JSON-encoded result or an error.
type Func func(ctx context.Context, args []byte) ([]byte, error)

// Registry is a constructed, explicit mapping from function name to Func.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, overwriting any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the Func registered under name, or false if none is.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Call invokes the registered function by name.
func (r *Registry) Call(ctx context.Context, name string, args []byte) ([]byte, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("registry: no function registered for %q", name)
	}
	return fn(ctx, args)
}
