package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/coordinator"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/retrieval"
)

// Server exposes the memory operations as MCP tools over a stdio
// JSON-RPC connection, so agent runtimes can call memorize and recall
// without going through HTTP.
type Server struct {
	pool   *coordinator.Pool
	logger *zap.Logger
}

// NewServer creates an MCP server over the coordinator pool.
func NewServer(pool *coordinator.Pool, logger *zap.Logger) *Server {
	return &Server{pool: pool, logger: logger.Named("mcp")}
}

type stdioPipe struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (s stdioPipe) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdioPipe) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s stdioPipe) Close() error {
	s.in.Close()
	return s.out.Close()
}

// ServeStdio runs the server on stdin/stdout until the peer disconnects
// or the context is canceled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stream := jsonrpc2.NewBufferedStream(stdioPipe{in: os.Stdin, out: os.Stdout}, jsonrpc2.PlainObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(s))
	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-conn.DisconnectNotify():
		return nil
	}
}

// Handle dispatches one JSON-RPC request.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result, err := s.dispatch(ctx, req)
	if req.Notif {
		return
	}
	if err != nil {
		rpcErr := &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		if replyErr := conn.ReplyWithError(ctx, req.ID, rpcErr); replyErr != nil {
			s.logger.Warn("error reply failed", zap.Error(replyErr))
		}
		return
	}
	if replyErr := conn.Reply(ctx, req.ID, result); replyErr != nil {
		s.logger.Warn("reply failed", zap.Error(replyErr))
	}
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "vault-mind", "version": "0.1.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}, nil
	case "notifications/initialized", "initialized":
		return nil, nil
	case "tools/list":
		return map[string]interface{}{"tools": toolSchemas()}, nil
	case "tools/call":
		return s.callTool(ctx, req)
	case "ping":
		return map[string]interface{}{}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	if req.Params == nil {
		return nil, fmt.Errorf("missing params")
	}
	var params toolCallParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, err
	}

	var (
		payload interface{}
		err     error
	)
	switch params.Name {
	case "memorize":
		payload, err = s.memorize(ctx, params.Arguments)
	case "check_memorize_status":
		payload, err = s.checkStatus(ctx, params.Arguments)
	case "recall":
		payload, err = s.recall(ctx, params.Arguments)
	case "list_memory_libraries":
		payload, err = s.listLibraries(ctx)
	default:
		return nil, fmt.Errorf("unknown tool %q", params.Name)
	}
	if err != nil {
		return toolError(err), nil
	}
	return toolResult(payload)
}

type memorizeArgs struct {
	Library string `json:"library"`
	Content string `json:"content"`
}

func (s *Server) memorize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args memorizeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	c, err := s.pool.Get(ctx, args.Library)
	if err != nil {
		return nil, err
	}
	sessionID, err := c.Memorize(ctx, args.Content)
	if err != nil {
		return nil, err
	}
	return map[string]string{"session_id": sessionID, "library": args.Library}, nil
}

type statusArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) checkStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args statusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return s.pool.SessionStatus(ctx, args.SessionID)
}

type recallArgs struct {
	Library  string `json:"library"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	Strategy string `json:"strategy"`
}

func (s *Server) recall(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args recallArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.TopK == 0 {
		args.TopK = 5
	}
	if err := s.knownLibrary(ctx, args.Library); err != nil {
		return nil, err
	}
	c, err := s.pool.Get(ctx, args.Library)
	if err != nil {
		return nil, err
	}
	results, err := c.Recall(ctx, retrieval.Query{
		Text:     args.Query,
		TopK:     args.TopK,
		Strategy: retrieval.Strategy(args.Strategy),
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"id":         r.Memory.ID,
			"content":    retrieval.Excerpt(r.Memory.Content),
			"source":     r.Memory.Source,
			"similarity": r.Similarity,
			"importance": r.Memory.Importance,
			"score":      r.Score,
			"rank":       r.Rank,
			"created_at": r.Memory.CreatedAt,
		})
	}
	return map[string]interface{}{"results": out}, nil
}

// knownLibrary guards recall against implicitly creating a library.
func (s *Server) knownLibrary(ctx context.Context, library string) error {
	libs, err := s.pool.ListLibraries(ctx)
	if err != nil {
		return err
	}
	for _, name := range libs {
		if name == library {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", memory.ErrLibraryNotFound, library)
}

func (s *Server) listLibraries(ctx context.Context) (interface{}, error) {
	libs, err := s.pool.ListLibraries(ctx)
	if err != nil {
		return nil, err
	}
	if libs == nil {
		libs = []string{}
	}
	return map[string]interface{}{"libraries": libs}, nil
}

// toolResult wraps a payload in the MCP content envelope.
func toolResult(payload interface{}) (interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(data)}},
	}, nil
}

func toolError(err error) interface{} {
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": err.Error()}},
		"isError": true,
	}
}

func toolSchemas() []map[string]interface{} {
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	return []map[string]interface{}{
		{
			"name":        "memorize",
			"description": "Store content into a memory library. Accepts a literal snippet, a file path, a directory, or a glob pattern. Returns a session id to poll.",
			"inputSchema": obj(map[string]interface{}{
				"library": str("Target memory library name"),
				"content": str("Literal content, file path, directory, or glob"),
			}, "library", "content"),
		},
		{
			"name":        "check_memorize_status",
			"description": "Check the progress of a memorize session.",
			"inputSchema": obj(map[string]interface{}{
				"session_id": str("Session id returned by memorize"),
			}, "session_id"),
		},
		{
			"name":        "recall",
			"description": "Retrieve memories from a library by semantic, temporal, or hybrid search.",
			"inputSchema": obj(map[string]interface{}{
				"library":  str("Memory library to search"),
				"query":    str("What to look for"),
				"top_k":    map[string]interface{}{"type": "integer", "description": "Maximum results, default 5"},
				"strategy": str("semantic, temporal, or hybrid (default)"),
			}, "library", "query"),
		},
		{
			"name":        "list_memory_libraries",
			"description": "List all memory libraries.",
			"inputSchema": obj(map[string]interface{}{}),
		},
	}
}
