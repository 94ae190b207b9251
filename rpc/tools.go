package rpc

import "net/http"

// schema builds a minimal JSON-Schema object for a tool.
func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func num(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// defaultTools enumerates the forwarded memory surface. The adapter
// injects the entity token, so no tool schema asks the client for one.
func defaultTools() []tool {
	return []tool{
		{
			def: ToolDefinition{
				Name:        "ambient_recall",
				Description: "Query all memory layers at once and get a ranked, aggregated bundle. Use 'startup' as the context to get a session-start briefing instead.",
				InputSchema: schema([]string{"context"}, map[string]any{
					"context":         str("What is currently happening, as free text; or 'startup'"),
					"limit_per_layer": num("Max results per memory layer"),
				}),
			},
			method: http.MethodPost, path: "/tools/ambient_recall",
		},
		{
			def: ToolDefinition{
				Name:        "raw_search",
				Description: "Full-text search over the raw conversation ledger.",
				InputSchema: schema([]string{"query"}, map[string]any{
					"query": str("Search query (FTS syntax of the backing store)"),
					"limit": num("Max results"),
				}),
			},
			method: http.MethodPost, path: "/tools/raw_search",
		},
		{
			def: ToolDefinition{
				Name:        "store_message",
				Description: "Append a message to the conversation ledger.",
				InputSchema: schema([]string{"content", "channel"}, map[string]any{
					"content":     str("Message body"),
					"author_name": str("Author display name"),
					"channel":     str("Channel tag, e.g. chat:lobby"),
					"is_self":     boolean("True when the daemon itself authored this"),
					"session_id":  str("External id for idempotent appends"),
				}),
			},
			method: http.MethodPost, path: "/tools/store_message",
		},
		{
			def: ToolDefinition{
				Name:        "anchor_search",
				Description: "Semantic search over curated anchor documents.",
				InputSchema: schema([]string{"query"}, map[string]any{
					"query": str("Search query"),
					"limit": num("Max results"),
				}),
			},
			method: http.MethodPost, path: "/tools/anchor_search",
		},
		{
			def: ToolDefinition{
				Name:        "anchor_save",
				Description: "Save a markdown document as a new anchor.",
				InputSchema: schema([]string{"content"}, map[string]any{
					"content":  str("Markdown body"),
					"title":    str("Document title; derived from the first heading when omitted"),
					"location": str("Optional subdirectory"),
				}),
			},
			method: http.MethodPost, path: "/tools/anchor_save",
		},
		{
			def: ToolDefinition{
				Name:        "anchor_import",
				Description: "Import a web page (url) or a local PDF (path) as an anchor document.",
				InputSchema: schema(nil, map[string]any{
					"url":  str("Page URL to import"),
					"path": str("Local PDF path to import"),
				}),
			},
			method: http.MethodPost, path: "/tools/anchor_import",
		},
		{
			def: ToolDefinition{
				Name:        "texture_search",
				Description: "Search the knowledge graph for facts and entities.",
				InputSchema: schema([]string{"query"}, map[string]any{
					"query": str("Search query"),
					"limit": num("Max results"),
				}),
			},
			method: http.MethodPost, path: "/tools/texture_search",
		},
		{
			def: ToolDefinition{
				Name:        "texture_add",
				Description: "Hand free text to the knowledge graph for entity extraction.",
				InputSchema: schema([]string{"content"}, map[string]any{
					"content": str("Episode text"),
					"channel": str("Originating channel"),
				}),
			},
			method: http.MethodPost, path: "/tools/texture_add",
		},
		{
			def: ToolDefinition{
				Name:        "texture_add_triplet",
				Description: "Assert an explicit (source, relationship, target) fact in the knowledge graph. Idempotent.",
				InputSchema: schema([]string{"source", "relationship", "target"}, map[string]any{
					"source":       str("Source entity name"),
					"relationship": str("Relationship, e.g. WORKS_ON"),
					"target":       str("Target entity name"),
					"fact":         str("Human-readable fact sentence"),
					"source_type":  str("Optional source entity label"),
					"target_type":  str("Optional target entity label"),
				}),
			},
			method: http.MethodPost, path: "/tools/texture_add_triplet",
		},
		{
			def: ToolDefinition{
				Name:        "texture_delete",
				Description: "Delete a knowledge-graph edge by UUID.",
				InputSchema: schema([]string{"uuid"}, map[string]any{
					"uuid": str("Edge UUID"),
				}),
			},
			method: http.MethodDelete, path: "/tools/texture_delete/{uuid}",
		},
		{
			def: ToolDefinition{
				Name:        "crystallize",
				Description: "Store a continuity snapshot as the next crystal.",
				InputSchema: schema([]string{"content"}, map[string]any{
					"content": str("Snapshot markdown"),
				}),
			},
			method: http.MethodPost, path: "/tools/crystallize",
		},
		{
			def: ToolDefinition{
				Name:        "get_crystals",
				Description: "Fetch the most recent crystals in chronological order.",
				InputSchema: schema(nil, map[string]any{
					"count": num("How many crystals"),
				}),
			},
			method: http.MethodPost, path: "/tools/get_crystals",
		},
		{
			def: ToolDefinition{
				Name:        "pps_health",
				Description: "Report availability of every memory layer.",
				InputSchema: schema(nil, map[string]any{}),
			},
			method: http.MethodGet, path: "/tools/pps_health",
		},
	}
}
