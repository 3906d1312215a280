// Package mcp provides a Model Context Protocol server for Postscope.
//
// It exposes session analysis as MCP tools (list, load, recluster, rename,
// visibility, query, timeline) and the session index as an MCP resource, so
// an agent can steer an analysis over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Manager *session.Manager
	Version string // version string for MCP server info
}

// hub caches open sessions and serializes all tool calls that touch them.
// The mcp-go library dispatches handlers concurrently via goroutines, but a
// session's analysis state is single-threaded by design, and the SQLite
// store behind it supports only one writer at a time.
type hub struct {
	mu      sync.Mutex
	manager *session.Manager
	open    map[int64]*session.Session
}

// get returns the cached live session for id, loading it on first use.
// Callers must hold mu.
func (h *hub) get(ctx context.Context, id int64) (*session.Session, error) {
	if s, ok := h.open[id]; ok {
		return s, nil
	}
	s, err := h.manager.Load(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	h.open[id] = s
	return s, nil
}

// NewServer creates a configured MCP server with all Postscope tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Postscope",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	h := &hub{manager: cfg.Manager, open: map[int64]*session.Session{}}

	registerSessionsTool(s, h)
	registerLoadTool(s, h)
	registerReclusterTool(s, h)
	registerRenameClusterTool(s, h)
	registerClusterVisibilityTool(s, h)
	registerRenameSessionTool(s, h)
	registerQueryTool(s, h)
	registerTimelineTool(s, h)
	registerClusterPostsTool(s, h)
	registerDeleteTool(s, h)

	registerSessionsResource(s, h)

	return s
}

// --- Tools ---

func registerSessionsTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_sessions",
		mcp.WithDescription("List saved analysis sessions, newest first. Each entry shows the session id, title, capture source, post count, and whether a full analysis is stored."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		summaries, err := h.manager.Summaries(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list sessions error: %v", err)), nil
		}
		if len(summaries) == 0 {
			return mcp.NewToolResultText("No sessions saved yet. Run `postscope analyze` to create one."), nil
		}

		data, _ := json.MarshalIndent(summaryInfos(summaries), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerLoadTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_load",
		mcp.WithDescription("Load a session and return its analysis overview: cluster list with names, sizes and visibility, noise count, and the dataset's date range. Raw-only sessions are analyzed on load."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(overview(sess), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerReclusterTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_recluster",
		mcp.WithDescription("Re-cluster a session with a different minimum cluster size. Names and visibility carry over to clusters that keep a majority of their members. Previously used sizes restore instantly from cache."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithNumber("min_cluster_size",
			mcp.Required(),
			mcp.Description("Minimum number of posts per cluster (at least 1)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sizeVal, err := req.RequireFloat("min_cluster_size")
		if err != nil {
			return mcp.NewToolResultError("min_cluster_size is required"), nil
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		if err := sess.Recluster(ctx, int(sizeVal)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recluster error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(overview(sess), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRenameClusterTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_rename_cluster",
		mcp.WithDescription("Give a cluster a custom display name. The name survives re-clustering as long as the cluster keeps a majority of its members."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithNumber("label",
			mcp.Required(),
			mcp.Description("Cluster label from postscope_load (-1, noise, cannot be renamed)"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("New display name"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		labelVal, err := req.RequireFloat("label")
		if err != nil {
			return mcp.NewToolResultError("label is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		if int(labelVal) == state.NoiseLabel {
			return mcp.NewToolResultError("noise cannot be renamed"), nil
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		sess.RenameCluster(ctx, int(labelVal), name)
		return mcp.NewToolResultText(fmt.Sprintf("Cluster %d renamed to %q.", int(labelVal), name)), nil
	})
}

func registerClusterVisibilityTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_set_cluster_visibility",
		mcp.WithDescription("Show or hide a cluster in the visualization."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithNumber("label",
			mcp.Required(),
			mcp.Description("Cluster label from postscope_load"),
		),
		mcp.WithBoolean("visible",
			mcp.Required(),
			mcp.Description("true to show the cluster, false to hide it"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		labelVal, err := req.RequireFloat("label")
		if err != nil {
			return mcp.NewToolResultError("label is required"), nil
		}
		visible, err := req.RequireBool("visible")
		if err != nil {
			return mcp.NewToolResultError("visible is required"), nil
		}
		if int(labelVal) == state.NoiseLabel {
			return mcp.NewToolResultError("noise visibility is fixed"), nil
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		sess.SetClusterVisibility(ctx, int(labelVal), visible)
		return mcp.NewToolResultText(fmt.Sprintf("Cluster %d visibility set to %v.", int(labelVal), visible)), nil
	})
}

func registerRenameSessionTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_rename_session",
		mcp.WithDescription("Retitle a session."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("New session title"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcp.NewToolResultError("name is required"), nil
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		sess.SetName(ctx, name)
		return mcp.NewToolResultText(fmt.Sprintf("Session %d renamed to %q.", id, name)), nil
	})
}

func registerQueryTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_query",
		mcp.WithDescription("Project arbitrary text into a session's 2D map and return its coordinates, for finding where a topic would sit among the posts. An empty query clears the marker."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithString("text",
			mcp.Description("Query text. Empty clears the current query marker."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text := ""
		if v, err := req.RequireString("text"); err == nil {
			text = v
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		coords, err := sess.Query(ctx, text)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query error: %v", err)), nil
		}
		if coords == nil {
			return mcp.NewToolResultText("Query marker cleared."), nil
		}

		data, _ := json.Marshal(map[string]any{"x": coords[0], "y": coords[1]})
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerTimelineTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_timeline",
		mcp.WithDescription("Return a post-count histogram over the session's full date range. Posts without timestamps are not binned."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithNumber("bins",
			mcp.Description("Number of histogram bins (default: 20, max: 200)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		bins := 20
		if v, err := req.RequireFloat("bins"); err == nil && int(v) > 0 {
			bins = int(v)
			if bins > 200 {
				bins = 200
			}
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}

		payload := map[string]any{"bins": sess.State.HistogramData(bins)}
		_, _, globalMin, globalMax := sess.State.TimeRange()
		if globalMin != nil && globalMax != nil {
			payload["start"] = globalMin
			payload["end"] = globalMax
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerClusterPostsTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_cluster_posts",
		mcp.WithDescription("List the posts in one cluster (or the noise set with label -1), most-liked first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
		mcp.WithNumber("label",
			mcp.Required(),
			mcp.Description("Cluster label from postscope_load, or -1 for noise"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of posts to return (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		labelVal, err := req.RequireFloat("label")
		if err != nil {
			return mcp.NewToolResultError("label is required"), nil
		}
		limit := 20
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
			if limit > 100 {
				limit = 100
			}
		}

		sess, err := h.get(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}

		type postInfo struct {
			Index   int    `json:"index"`
			Author  string `json:"author"`
			Content string `json:"content"`
			Likes   int    `json:"likes"`
			URL     string `json:"url,omitempty"`
		}
		var posts []postInfo
		for i, l := range sess.State.CurrentLabels {
			if l != int(labelVal) {
				continue
			}
			item := sess.State.Items[i]
			posts = append(posts, postInfo{
				Index: i, Author: item.Author, Content: item.Content,
				Likes: item.Likes, URL: item.URL,
			})
		}
		sort.SliceStable(posts, func(a, b int) bool { return posts[a].Likes > posts[b].Likes })
		if len(posts) > limit {
			posts = posts[:limit]
		}

		data, _ := json.MarshalIndent(posts, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerDeleteTool(s *server.MCPServer, h *hub) {
	tool := mcp.NewTool("postscope_delete",
		mcp.WithDescription("Delete a saved session permanently."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithNumber("session_id",
			mcp.Required(),
			mcp.Description("Session id from postscope_sessions"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		id, err := requireID(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := h.manager.Delete(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete error: %v", err)), nil
		}
		delete(h.open, id)
		return mcp.NewToolResultText(fmt.Sprintf("Session %d deleted.", id)), nil
	})
}

// --- Resources ---

func registerSessionsResource(s *server.MCPServer, h *hub) {
	resource := mcp.NewResource(
		"postscope://sessions",
		"Saved Sessions",
		mcp.WithResourceDescription("Index of saved analysis sessions, newest first."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		summaries, err := h.manager.Summaries(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing sessions resource: %w", err)
		}

		payload := map[string]any{
			"sessions": summaryInfos(summaries),
			"count":    len(summaries),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

// --- Views ---

type summaryInfo struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	PostCount int    `json:"post_count"`
	Analyzed  bool   `json:"analyzed"`
}

func summaryInfos(summaries []session.Summary) []summaryInfo {
	infos := make([]summaryInfo, 0, len(summaries))
	for _, sum := range summaries {
		source := ""
		if sum.Context != nil {
			source = sum.Context.DisplayName()
		}
		infos = append(infos, summaryInfo{
			ID: sum.ID, Timestamp: sum.Timestamp, Name: sum.Name,
			Source: source, PostCount: sum.PostCount, Analyzed: sum.HasSavedState,
		})
	}
	return infos
}

type clusterInfo struct {
	Label   int    `json:"label"`
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Visible bool   `json:"visible"`
}

type sessionOverview struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	PostCount      int           `json:"post_count"`
	MinClusterSize int           `json:"min_cluster_size"`
	ClusterCount   int           `json:"cluster_count"`
	NoiseCount     int           `json:"noise_count"`
	Clusters       []clusterInfo `json:"clusters"`
	DateRange      *dateRange    `json:"date_range,omitempty"`
}

type dateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func overview(sess *session.Session) sessionOverview {
	st := sess.State

	sizes := map[int]int{}
	for _, l := range st.CurrentLabels {
		sizes[l]++
	}
	labels := make([]int, 0, len(sizes))
	for l := range sizes {
		if l != state.NoiseLabel {
			labels = append(labels, l)
		}
	}
	sort.Ints(labels)

	clusters := make([]clusterInfo, 0, len(labels))
	for rank, l := range labels {
		info := clusterInfo{Label: l, Size: sizes[l], Name: fmt.Sprintf("Cluster %d", rank+1)}
		if c := st.Customization(l); c != nil {
			info.Name = c.Name
			info.Visible = c.Visible
		}
		clusters = append(clusters, info)
	}

	out := sessionOverview{
		ID:             sess.ID(),
		Name:           st.Name,
		PostCount:      len(st.Items),
		MinClusterSize: st.CurrentMinClusterSize,
		ClusterCount:   st.UniqueClusterCount(),
		NoiseCount:     sizes[state.NoiseLabel],
		Clusters:       clusters,
	}
	_, _, globalMin, globalMax := st.TimeRange()
	if globalMin != nil && globalMax != nil {
		out.DateRange = &dateRange{Start: globalMin.Format("2006-01-02"), End: globalMax.Format("2006-01-02")}
	}
	return out
}

func requireID(req mcp.CallToolRequest) (int64, error) {
	v, err := req.RequireFloat("session_id")
	if err != nil {
		return 0, fmt.Errorf("session_id is required")
	}
	return int64(v), nil
}
