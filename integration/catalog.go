// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Catalog is the static set of known integrations, keyed by lower-cased
// name. It is read-only after process start; lookups are case-insensitive.
type Catalog map[string]Bundle

// Register adds b to the catalog. Registering the same name twice is an
// error.
func (c Catalog) Register(b Bundle) error {
	key := strings.ToLower(b.Name)
	if _, exists := c[key]; exists {
		return errors.Errorf("integration %s registered twice, aborting", b.Name)
	}
	c[key] = b
	return nil
}

// Lookup returns the bundle registered under name, case-insensitively.
func (c Catalog) Lookup(name string) (Bundle, bool) {
	b, ok := c[strings.ToLower(name)]
	return b, ok
}

// Names returns the registered integration names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for _, b := range c {
		names = append(names, b.Name)
	}
	sort.Strings(names)
	return names
}
