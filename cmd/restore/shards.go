package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// parseShards turns the -shards flag into project ids. An empty list is only
// accepted together with -all, which rebuilds every shard.
func parseShards(raw string, all bool) ([]uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if all {
		if raw != "" {
			return nil, errors.New("-all and -shards are mutually exclusive")
		}
		return nil, nil
	}
	if raw == "" {
		return nil, errors.New("either -shards or -all is required")
	}
	seen := map[uuid.UUID]struct{}{}
	var shards []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid shard %q: %w", part, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		shards = append(shards, id)
	}
	if len(shards) == 0 {
		return nil, errors.New("no shards given")
	}
	return shards, nil
}
