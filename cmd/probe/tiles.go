package main

import (
	"fmt"
	"strconv"
	"strings"
)

func parseTiles(s string) ([][2]int, error) {
	var out [][2]int
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xs, ys, ok := strings.Cut(part, ",")
		if !ok {
			return nil, fmt.Errorf("bad tile %q", part)
		}
		x, err := strconv.Atoi(strings.TrimSpace(xs))
		if err != nil {
			return nil, fmt.Errorf("bad tile %q: %w", part, err)
		}
		y, err := strconv.Atoi(strings.TrimSpace(ys))
		if err != nil {
			return nil, fmt.Errorf("bad tile %q: %w", part, err)
		}
		out = append(out, [2]int{x, y})
	}
	return out, nil
}
