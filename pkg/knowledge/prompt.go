package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ComposeInstructions appends previously gathered knowledge to the session
// goal so the model can continue where an earlier conversation stopped.
func ComposeInstructions(target, prior string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(target))
	if prior = strings.TrimSpace(prior); prior != "" {
		b.WriteString("\n\nPrevious Knowledge:\n")
		b.WriteString(prior)
	}
	b.WriteString("\n\nBased on these instructions, engage with the user to gather the required information.")
	return strings.TrimSpace(b.String())
}

// Snapshot renders every fact under prefix as "path: value" lines.
// An empty store yields an empty string.
func Snapshot(ctx context.Context, s Store, prefix string) (string, error) {
	paths, err := s.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range paths {
		v, err := s.Read(ctx, p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("knowledge: render %s: %w", p, err)
		}
		fmt.Fprintf(&b, "%s: %s\n", p, raw)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
