// Package queryserver exposes the node/edge store to external query
// clients over MCP, mirroring the teacher's own MCP server wiring
// (typed Input/Output structs, one tool per operation, stdio transport).
package queryserver

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/sessiongraphd/internal/node"
)

// Server wraps the MCP SDK server over a read-only view of internal/node's
// store.
type Server struct {
	mcpServer *mcpsdk.Server
	nodes     *node.Store
}

// New creates a query server over nodes.
func New(nodes *node.Store) *Server {
	s := &Server{nodes: nodes}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "sessiongraphd", Version: "0.1.0"},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "graph_get_node",
		Description: "Fetch the latest version of a single node by ID.",
	}, s.handleGetNode)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "graph_list_nodes",
		Description: "List the most recently completed nodes, newest first.",
	}, s.handleListNodes)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "graph_get_edges",
		Description: "List all edges touching a node, in either direction.",
	}, s.handleGetEdges)
}

// GetNodeInput defines parameters for the graph_get_node tool.
type GetNodeInput struct {
	NodeID string `json:"nodeId" jsonschema:"ID of the node to fetch"`
}

// GetNodeOutput contains the fetched node, or Found=false if it doesn't exist.
type GetNodeOutput struct {
	Found bool       `json:"found"`
	Node  *node.Node `json:"node,omitempty"`
}

func (s *Server) handleGetNode(ctx context.Context, req *mcpsdk.CallToolRequest, input GetNodeInput) (*mcpsdk.CallToolResult, GetNodeOutput, error) {
	n, err := s.nodes.GetNode(input.NodeID)
	if err != nil {
		return nil, GetNodeOutput{}, fmt.Errorf("get node: %w", err)
	}
	return nil, GetNodeOutput{Found: n != nil, Node: n}, nil
}

// ListNodesInput defines parameters for the graph_list_nodes tool.
type ListNodesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of nodes to return, default 50"`
}

// ListNodesOutput contains the matching nodes.
type ListNodesOutput struct {
	Nodes []*node.Node `json:"nodes"`
}

func (s *Server) handleListNodes(ctx context.Context, req *mcpsdk.CallToolRequest, input ListNodesInput) (*mcpsdk.CallToolResult, ListNodesOutput, error) {
	nodes, err := s.nodes.ListNodes(input.Limit)
	if err != nil {
		return nil, ListNodesOutput{}, fmt.Errorf("list nodes: %w", err)
	}
	return nil, ListNodesOutput{Nodes: nodes}, nil
}

// GetEdgesInput defines parameters for the graph_get_edges tool.
type GetEdgesInput struct {
	NodeID string `json:"nodeId" jsonschema:"ID of the node whose edges to fetch"`
}

// GetEdgesOutput contains the matching edges.
type GetEdgesOutput struct {
	Edges []*node.Edge `json:"edges"`
}

func (s *Server) handleGetEdges(ctx context.Context, req *mcpsdk.CallToolRequest, input GetEdgesInput) (*mcpsdk.CallToolResult, GetEdgesOutput, error) {
	edges, err := s.nodes.GetEdgesForNode(input.NodeID)
	if err != nil {
		return nil, GetEdgesOutput{}, fmt.Errorf("get edges: %w", err)
	}
	return nil, GetEdgesOutput{Edges: edges}, nil
}
