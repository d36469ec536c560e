package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docpulse/docpulse/internal/lifecycle"
	"github.com/docpulse/docpulse/internal/store"
)

// proposedFact is the wire shape for facts inside cluster_create.
type proposedFact struct {
	ID         string `json:"id,omitempty"`
	Value      string `json:"value"`
	Role       string `json:"role"`
	Confidence string `json:"confidence,omitempty"`
}

// proposedRelationship is the wire shape for relationships inside
// cluster_create.
type proposedRelationship struct {
	ID              string `json:"id,omitempty"`
	SourceFactID    string `json:"source_fact_id"`
	TargetFactID    string `json:"target_fact_id"`
	Type            string `json:"type"`
	CalculationRule string `json:"calculation_rule,omitempty"`
	DependencyOrder int    `json:"dependency_order,omitempty"`
}

func registerClusterCreateTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_create",
		mcp.WithDescription("Create a cluster from a batch of proposed facts and relationships. The batch is validated (single primary, no dangling relationships, no cycles) and committed atomically."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("name", mcp.Required(),
			mcp.Description("Cluster name"),
		),
		mcp.WithString("type",
			mcp.Description("Free-form classification, e.g. mathematical, comparative"),
		),
		mcp.WithString("semantic_rule",
			mcp.Description("Human-readable description of the cluster's consistency rule"),
		),
		mcp.WithString("facts", mcp.Required(),
			mcp.Description(`JSON array of facts: [{"id","value","role","confidence"}]. Exactly one fact must have role "primary".`),
		),
		mcp.WithString("relationships",
			mcp.Description(`JSON array of relationships: [{"source_fact_id","target_fact_id","type","calculation_rule","dependency_order"}]. Types: percentage_change, direction, comparison, reference_point.`),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		factsRaw, err := req.RequireString("facts")
		if err != nil {
			return mcp.NewToolResultError("facts is required"), nil
		}

		var facts []proposedFact
		if err := json.Unmarshal([]byte(factsRaw), &facts); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid facts JSON: %v", err)), nil
		}
		var rels []proposedRelationship
		if raw, err := req.RequireString("relationships"); err == nil && strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &rels); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid relationships JSON: %v", err)), nil
			}
		}

		proposal := lifecycle.Proposal{Name: strings.TrimSpace(name)}
		if v, err := req.RequireString("type"); err == nil {
			proposal.Type = strings.TrimSpace(v)
		}
		if v, err := req.RequireString("semantic_rule"); err == nil {
			proposal.SemanticRule = strings.TrimSpace(v)
		}
		for _, f := range facts {
			proposal.Facts = append(proposal.Facts, store.Fact{
				ID:         f.ID,
				Value:      f.Value,
				Role:       store.Role(f.Role),
				Confidence: store.Confidence(f.Confidence),
			})
		}
		for _, r := range rels {
			proposal.Relationships = append(proposal.Relationships, store.Relationship{
				ID:              r.ID,
				SourceFactID:    r.SourceFactID,
				TargetFactID:    r.TargetFactID,
				Type:            store.RelationshipType(r.Type),
				CalculationRule: r.CalculationRule,
				DependencyOrder: r.DependencyOrder,
			})
		}

		cluster, err := cfg.Manager.Create(proposal)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_create error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(cfg.Manager.ClusterDetailByID(cluster.ID))
	})
}

func registerClusterListTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_list",
		mcp.WithDescription("List every cluster with its membership."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()
		return jsonResult(map[string]interface{}{
			"clusters": cfg.Manager.ListClusters(),
		})
	})
}

func registerClusterGetTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_get",
		mcp.WithDescription("Get one cluster with its facts and relationships."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		detail := cfg.Manager.ClusterDetailByID(clusterID)
		if detail == nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster %s not found", clusterID)), nil
		}
		return jsonResult(detail)
	})
}

func registerFactAddTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("fact_add",
		mcp.WithDescription("Create a standalone fact. Attach it to a cluster later with cluster_add_fact."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("value", mcp.Required(),
			mcp.Description("Current value of the fact"),
		),
		mcp.WithString("confidence",
			mcp.Description("low, medium, or high (default: medium)"),
			mcp.Enum("low", "medium", "high"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		value, err := req.RequireString("value")
		if err != nil {
			return mcp.NewToolResultError("value is required"), nil
		}
		confidence := ""
		if v, err := req.RequireString("confidence"); err == nil {
			confidence = v
		}
		fact, err := cfg.Manager.CreateFact(value, store.Confidence(confidence))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fact_add error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(fact)
	})
}

func registerClusterAddFactTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_add_fact",
		mcp.WithDescription("Add an existing fact to a cluster. Adding a new primary demotes the current one."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithString("fact_id", mcp.Required(),
			mcp.Description("Fact id"),
		),
		mcp.WithString("role",
			mcp.Description("primary or dependent (default: dependent)"),
			mcp.Enum("primary", "dependent"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		factID, err := req.RequireString("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		role := ""
		if v, err := req.RequireString("role"); err == nil {
			role = v
		}
		if err := cfg.Manager.AddFact(clusterID, factID, store.Role(role)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_add_fact error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(cfg.Manager.ClusterDetailByID(clusterID))
	})
}

func registerClusterRemoveFactTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_remove_fact",
		mcp.WithDescription("Detach a fact from its cluster. Relationships touching it are deleted; an emptied cluster is deleted."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("fact_id", mcp.Required(),
			mcp.Description("Fact id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		factID, err := req.RequireString("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		if err := cfg.Manager.RemoveFact(factID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_remove_fact error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(cfg.Manager.GetFact(factID))
	})
}

func registerClusterAddRelationshipTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_add_relationship",
		mcp.WithDescription("Add a directed dependency edge between two member facts. Edges that would create a cycle are rejected without changing anything."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithString("source_fact_id", mcp.Required(),
			mcp.Description("Source fact id"),
		),
		mcp.WithString("target_fact_id", mcp.Required(),
			mcp.Description("Target fact id"),
		),
		mcp.WithString("type", mcp.Required(),
			mcp.Description("Relationship type"),
			mcp.Enum("percentage_change", "direction", "comparison", "reference_point"),
		),
		mcp.WithString("calculation_rule",
			mcp.Description("Optional rule annotation; for comparison edges it may carry a unit word"),
		),
		mcp.WithNumber("dependency_order",
			mcp.Description("Ordering hint for deterministic processing (default: 0)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		source, err := req.RequireString("source_fact_id")
		if err != nil {
			return mcp.NewToolResultError("source_fact_id is required"), nil
		}
		target, err := req.RequireString("target_fact_id")
		if err != nil {
			return mcp.NewToolResultError("target_fact_id is required"), nil
		}
		relType, err := req.RequireString("type")
		if err != nil {
			return mcp.NewToolResultError("type is required"), nil
		}

		rel := store.Relationship{
			SourceFactID: source,
			TargetFactID: target,
			Type:         store.RelationshipType(relType),
		}
		if v, err := req.RequireString("calculation_rule"); err == nil {
			rel.CalculationRule = v
		}
		if v, err := req.RequireFloat("dependency_order"); err == nil {
			rel.DependencyOrder = int(v)
		}

		committed, err := cfg.Manager.AddRelationship(clusterID, rel)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_add_relationship error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(committed)
	})
}

func registerClusterSetActiveTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_set_active",
		mcp.WithDescription("Activate or deactivate a cluster. Inactive clusters keep their data but refuse propagation."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithBoolean("active", mcp.Required(),
			mcp.Description("Desired state"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		active, err := req.RequireBool("active")
		if err != nil {
			return mcp.NewToolResultError("active is required"), nil
		}
		if err := cfg.Manager.SetClusterActive(clusterID, active); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_set_active error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(cfg.Manager.ClusterDetailByID(clusterID))
	})
}

func registerClusterDeleteTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_delete",
		mcp.WithDescription("Delete a cluster and its relationships. Member facts survive as standalone facts."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		if err := cfg.Manager.DeleteCluster(clusterID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_delete error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(map[string]string{"cluster_id": clusterID, "status": "deleted"})
	})
}

func registerClusterMergeTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_merge",
		mcp.WithDescription("Merge one cluster into another. The absorbed cluster's primary is demoted to dependent when both sides have one; the absorbed cluster is deleted."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("primary_id", mcp.Required(),
			mcp.Description("Surviving cluster id"),
		),
		mcp.WithString("secondary_id", mcp.Required(),
			mcp.Description("Cluster id to absorb and delete"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		primaryID, err := req.RequireString("primary_id")
		if err != nil {
			return mcp.NewToolResultError("primary_id is required"), nil
		}
		secondaryID, err := req.RequireString("secondary_id")
		if err != nil {
			return mcp.NewToolResultError("secondary_id is required"), nil
		}
		result, err := cfg.Manager.MergeClusters(primaryID, secondaryID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_merge error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(result)
	})
}

func registerClusterRepairTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_repair",
		mcp.WithDescription("Run the idempotent self-healing pass on a cluster and report the corrective actions taken."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		report, err := cfg.Manager.Repair(clusterID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_repair error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(report)
	})
}

func registerClusterValidateTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_validate",
		mcp.WithDescription("Check the structural invariants of a cluster (single primary, closure, acyclicity). An empty list means valid."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		violations, err := cfg.Manager.Validate(clusterID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_validate error: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"cluster_id": clusterID,
			"valid":      len(violations) == 0,
			"violations": violations,
		})
	})
}

func registerClusterHealthTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("cluster_health",
		mcp.WithDescription("Compute the 0-100 health score for a cluster with a per-signal penalty breakdown."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithString("stale_fact_ids",
			mcp.Description("JSON array of fact ids the caller considers stale/overdue"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		staleIDs := map[string]struct{}{}
		if raw, err := req.RequireString("stale_fact_ids"); err == nil && strings.TrimSpace(raw) != "" {
			var ids []string
			if err := json.Unmarshal([]byte(raw), &ids); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid stale_fact_ids JSON: %v", err)), nil
			}
			for _, id := range ids {
				staleIDs[id] = struct{}{}
			}
		}

		report, err := cfg.Scorer.Score(clusterID, func(f store.Fact) bool {
			_, ok := staleIDs[f.ID]
			return ok
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster_health error: %v", err)), nil
		}
		return jsonResult(report)
	})
}

func registerPropagateTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("propagate",
		mcp.WithDescription("Set a cluster's primary fact to a new value and recompute every dependent fact in dependency order. Per-edge failures are reported, not fatal."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithString("value", mcp.Required(),
			mcp.Description("New value for the primary fact"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcp.NewToolResultError("value is required"), nil
		}
		result, err := cfg.Propagator.Propagate(clusterID, value)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("propagate error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(result)
	})
}

func registerReferenceResetTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("reference_reset",
		mcp.WithDescription("Re-arm a reference_point relationship so the next propagation refreshes its frozen anchor value."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("cluster_id", mcp.Required(),
			mcp.Description("Cluster id"),
		),
		mcp.WithString("relationship_id", mcp.Required(),
			mcp.Description("Relationship id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		engineMu.Lock()
		defer engineMu.Unlock()

		clusterID, err := req.RequireString("cluster_id")
		if err != nil {
			return mcp.NewToolResultError("cluster_id is required"), nil
		}
		relID, err := req.RequireString("relationship_id")
		if err != nil {
			return mcp.NewToolResultError("relationship_id is required"), nil
		}
		if err := cfg.Propagator.ResetAnchor(clusterID, relID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reference_reset error: %v", err)), nil
		}
		if err := persist(ctx, cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot save error: %v", err)), nil
		}
		return jsonResult(map[string]string{"cluster_id": clusterID, "relationship_id": relID, "status": "reset"})
	})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
