// Package traverse walks the directed graph formed by parent and
// related links between receipts. The links are producer-supplied and
// nothing guarantees the graph is acyclic, so the walk is iterative
// with an explicit visited set: a revisited node is reported as a
// detected cycle, never followed again.
package traverse

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/audit"
	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	// Up follows parent links toward ancestors.
	Up Direction = "up"
	// Down follows child links toward descendants.
	Down Direction = "down"
	// Siblings follows related links and same-parent siblings.
	Siblings Direction = "siblings"
	// Both follows every edge kind.
	Both Direction = "both"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down, Siblings, Both:
		return Direction(s), nil
	case "":
		return Both, nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// graphStore is the persistence interface traversal reads from.
type graphStore interface {
	GetByID(ctx context.Context, receiptID string) (*receipt.Receipt, error)
	ListByParent(ctx context.Context, parentID string) ([]string, error)
}

// Node is one receipt in a graph fragment, reduced to what a caller
// needs to render the graph.
type Node struct {
	ReceiptID string `json:"receipt_id"`
	ChainID   string `json:"chain_id"`
	Emitter   string `json:"emitter"`
	Decision  string `json:"decision,omitempty"`
	Depth     int    `json:"depth"`
}

// Edge is one link between two receipts in a fragment.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"` // parent / child / related
}

// Fragment is the reachable subgraph of one traversal.
type Fragment struct {
	Root      string   `json:"root"`
	Nodes     []Node   `json:"nodes"`
	Edges     []Edge   `json:"edges"`
	Cycles    []string `json:"cycles,omitempty"`
	Truncated bool     `json:"truncated"`
}

// Service walks receipt graphs.
type Service struct {
	store  graphStore
	guard  *audit.Guard
	logger *zap.Logger
}

// New creates a traversal Service.
func New(st graphStore, guard *audit.Guard, logger *zap.Logger) *Service {
	return &Service{store: st, guard: guard, logger: logger}
}

const defaultMaxDepth = 10

// Traverse returns the subgraph reachable from receiptID in the given
// direction, bounded by maxDepth. Receipts outside the authorized
// tenant scope are never expanded or returned.
func (s *Service) Traverse(ctx context.Context, caller audit.Caller, scope store.Scope, receiptID string, dir Direction, maxDepth int) (*Fragment, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	done, err := s.guard.Authorize(ctx, caller, scope, "traverse", fmt.Sprintf("direction=%s,max_depth=%d", dir, maxDepth))
	if err != nil {
		return nil, err
	}

	root, err := s.getScoped(ctx, scope, receiptID)
	if err != nil {
		return nil, err
	}

	frag := &Fragment{Root: receiptID}
	visited := map[string]bool{}
	cycles := map[string]bool{}

	type item struct {
		rec   *receipt.Receipt
		depth int
	}
	queue := []item{{rec: root, depth: 0}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		curr := queue[0]
		queue = queue[1:]

		if visited[curr.rec.ReceiptID] {
			continue
		}
		visited[curr.rec.ReceiptID] = true
		frag.Nodes = append(frag.Nodes, Node{
			ReceiptID: curr.rec.ReceiptID,
			ChainID:   curr.rec.ChainID,
			Emitter:   curr.rec.Emitter,
			Decision:  curr.rec.Decision,
			Depth:     curr.depth,
		})
		if curr.depth == maxDepth {
			frag.Truncated = true
			continue
		}

		for _, next := range s.neighbors(ctx, scope, curr.rec, dir, frag) {
			if visited[next.ReceiptID] {
				// Revisiting a node means the producer-supplied links
				// form a cycle; report it and stop following.
				if !cycles[next.ReceiptID] {
					cycles[next.ReceiptID] = true
					frag.Cycles = append(frag.Cycles, next.ReceiptID)
				}
				continue
			}
			queue = append(queue, item{rec: next, depth: curr.depth + 1})
		}
	}

	done(len(frag.Nodes))
	return frag, nil
}

// neighbors collects the adjacent receipts of r for the direction,
// recording the edges on frag. Unresolvable or out-of-scope links are
// skipped silently; a dangling reference is not an error.
func (s *Service) neighbors(ctx context.Context, scope store.Scope, r *receipt.Receipt, dir Direction, frag *Fragment) []*receipt.Receipt {
	var out []*receipt.Receipt

	if dir == Up || dir == Both {
		if r.ParentReceiptID != "" {
			if parent, err := s.getScoped(ctx, scope, r.ParentReceiptID); err == nil {
				frag.Edges = append(frag.Edges, Edge{From: r.ReceiptID, To: parent.ReceiptID, Kind: "parent"})
				out = append(out, parent)
			}
		}
	}

	if dir == Down || dir == Both {
		childIDs, err := s.store.ListByParent(ctx, r.ReceiptID)
		if err != nil {
			s.logger.Warn("child lookup failed", zap.String("receipt_id", r.ReceiptID), zap.Error(err))
		}
		for _, id := range childIDs {
			if child, err := s.getScoped(ctx, scope, id); err == nil {
				frag.Edges = append(frag.Edges, Edge{From: r.ReceiptID, To: child.ReceiptID, Kind: "child"})
				out = append(out, child)
			}
		}
	}

	if dir == Siblings || dir == Both {
		for _, id := range r.RelatedReceiptIDs {
			if rel, err := s.getScoped(ctx, scope, id); err == nil {
				frag.Edges = append(frag.Edges, Edge{From: r.ReceiptID, To: rel.ReceiptID, Kind: "related"})
				out = append(out, rel)
			}
		}
		if dir == Siblings && r.ParentReceiptID != "" {
			siblingIDs, err := s.store.ListByParent(ctx, r.ParentReceiptID)
			if err == nil {
				for _, id := range siblingIDs {
					if id == r.ReceiptID {
						continue
					}
					if sib, err := s.getScoped(ctx, scope, id); err == nil {
						frag.Edges = append(frag.Edges, Edge{From: r.ReceiptID, To: sib.ReceiptID, Kind: "related"})
						out = append(out, sib)
					}
				}
			}
		}
	}

	return out
}

func (s *Service) getScoped(ctx context.Context, scope store.Scope, receiptID string) (*receipt.Receipt, error) {
	r, err := s.store.GetByID(ctx, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, receipt.NewError(receipt.ErrCodeNotFound, "receipt %s not found", receiptID)
		}
		return nil, receipt.NewRetriableError(receipt.ErrCodeStoreUnavailable, "%v", err)
	}
	if !scope.Contains(r.TenantID) {
		return nil, receipt.NewError(receipt.ErrCodeNotFound, "receipt %s not found", receiptID)
	}
	return r, nil
}
