package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/teslashibe/go-parley/pkg/knowledge"
)

// Names of the built-in tools.
const (
	KnowledgeBaseName   = "knowledge_base"
	RememberFactName    = "remember_fact"
	RecallFactName      = "recall_fact"
	EndConversationName = "end_conversation"
)

type knowledgeBaseArgs struct {
	Action string   `json:"action" jsonschema:"Action to perform: read or update the list"`
	Items  []string `json:"items,omitempty" jsonschema:"Items to add to the list"`
}

// KnowledgeBase returns a tool that reads or extends a list of strings kept
// at path in store. Updates merge new items into the list, skipping
// duplicates and keeping first-seen order.
func KnowledgeBase(store knowledge.Store, path string) (Tool, error) {
	t, err := New(KnowledgeBaseName, "Read from or update a list of items in the knowledge base",
		func(ctx context.Context, args knowledgeBaseArgs) (any, error) {
			items, err := readList(ctx, store, path)
			if err != nil {
				return nil, err
			}
			if args.Action == "read" {
				return map[string]any{"items": items}, nil
			}
			for _, it := range args.Items {
				if it != "" && !slices.Contains(items, it) {
					items = append(items, it)
				}
			}
			if err := store.Write(ctx, path, items); err != nil {
				return nil, err
			}
			return map[string]any{"items": items}, nil
		})
	if err != nil {
		return Tool{}, err
	}
	t.Parameters.Properties["action"].Enum = []any{"read", "update"}
	return t, nil
}

func readList(ctx context.Context, store knowledge.Store, path string) ([]string, error) {
	v, err := store.Read(ctx, path)
	if errors.Is(err, knowledge.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out, nil
	case string:
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("knowledge base at %s holds %T, not a list", path, v)
	}
}

type rememberArgs struct {
	Path  string `json:"path" jsonschema:"Slash-separated location of the fact, e.g. user/name"`
	Value any    `json:"value" jsonschema:"The fact to store"`
}

// RememberFact returns a tool that stores one value at a path.
func RememberFact(store knowledge.Store) Tool {
	return MustNew(RememberFactName, "Store a fact about the user or conversation under a path",
		func(ctx context.Context, args rememberArgs) (any, error) {
			if err := store.Write(ctx, args.Path, args.Value); err != nil {
				return nil, err
			}
			return map[string]any{"stored": args.Path}, nil
		})
}

type recallArgs struct {
	Path string `json:"path,omitempty" jsonschema:"Path of the fact, or a prefix to list facts under"`
}

// RecallFact returns a tool that reads a value, or lists the paths under a
// prefix when no value is stored at the exact path.
func RecallFact(store knowledge.Store) Tool {
	return MustNew(RecallFactName, "Recall a stored fact, or list stored facts under a path",
		func(ctx context.Context, args recallArgs) (any, error) {
			if args.Path == "" {
				paths, err := store.List(ctx, "")
				if err != nil {
					return nil, err
				}
				return map[string]any{"found": false, "paths": paths}, nil
			}
			v, err := store.Read(ctx, args.Path)
			if err == nil {
				return map[string]any{"found": true, "value": v}, nil
			}
			if !errors.Is(err, knowledge.ErrNotFound) {
				return nil, err
			}
			paths, err := store.List(ctx, args.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"found": false, "paths": paths}, nil
		})
}

// EndConversation returns a tool that lets the model end the session.
// end runs on its own goroutine so the tool result is returned first.
func EndConversation(end func(reason string)) Tool {
	return MustNew(EndConversationName, "End the conversation once the goal is reached or the user wants to stop",
		func(ctx context.Context, args struct {
			Reason string `json:"reason,omitempty" jsonschema:"Why the conversation is ending"`
		}) (any, error) {
			go end(args.Reason)
			return "ending conversation", nil
		})
}
