// Package source implements the ruleset fetchers the polling provider reads
// from: an HTTP backend, a gRPC backend, a PostgreSQL table and a local file.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/matt-riley/flagwatch/internal/core"
)

// ErrParse marks a payload that was received but could not be decoded into a
// valid ruleset.
var ErrParse = errors.New("malformed ruleset")

// Result is the outcome of one successful fetch. When NotModified is set the
// backend confirmed lastVersion is current and Ruleset is empty.
type Result struct {
	NotModified bool
	Ruleset     core.Ruleset
}

// Fetcher retrieves the current ruleset. lastVersion is the version of the
// ruleset the caller already holds, or empty on the first fetch.
type Fetcher interface {
	Fetch(ctx context.Context, lastVersion string) (Result, error)
}

// Payload is the wire shape shared by the HTTP, gRPC and file sources.
type Payload struct {
	Version string      `json:"version" yaml:"version"`
	Flags   []core.Flag `json:"flags" yaml:"flags"`
}

// Ruleset validates the payload. Validation failures wrap ErrParse.
func (p Payload) Ruleset() (core.Ruleset, error) {
	ruleset, err := core.NewRuleset(p.Version, p.Flags)
	if err != nil {
		return core.Ruleset{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return ruleset, nil
}

// NewPayload flattens a ruleset into its wire shape with flags sorted by key.
func NewPayload(ruleset core.Ruleset) Payload {
	keys := make([]string, 0, len(ruleset.Flags))
	for key := range ruleset.Flags {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	flags := make([]core.Flag, 0, len(keys))
	for _, key := range keys {
		flags = append(flags, ruleset.Flags[key])
	}
	return Payload{Version: ruleset.Version, Flags: flags}
}

func decodeJSONPayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: decode json: %v", ErrParse, err)
	}
	return payload, nil
}
