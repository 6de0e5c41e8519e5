// Package mcpserver registers MCP tools that expose the sync engine.
// It adapts the engine package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/plantsync/internal/engine"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/reconcile"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all plant sharing tools to the given MCP server.
func RegisterTools(server *mcp.Server, e *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "plants_list",
		Description: "List plants: the server's listings merged with this device's unsent ones. Works offline from the local cache. Filter by category or owner and sort by created, name or category.",
	}, plantsListHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plant_get",
		Description: "Get one plant by server id. Refreshed from the server when reachable, otherwise served from the local cache.",
	}, plantGetHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plant_create",
		Description: "Create a plant listing. It is saved locally first and uploaded when the server is reachable. The owner defaults to the configured user.",
	}, plantCreateHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plant_update",
		Description: "Edit a plant that has not been uploaded yet, or one the server rejected. Empty fields are left unchanged. An edited rejected plant is queued again.",
	}, plantUpdateHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list",
		Description: "List chat messages on a plant, oldest first, including messages from this device that are still waiting to be sent.",
	}, chatListHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a chat message on a plant. Saved locally first. While offline, messages can only be sent on your own plants.",
	}, chatSendHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report connectivity, the number of records waiting to upload, and any records the server rejected.",
	}, syncStatusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Check connectivity and upload every waiting record immediately.",
	}, syncNowHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "network_link",
		Description: "Report the device's network link going offline or online. Offline marks the server unreachable without a network check; online triggers a check and an upload.",
	}, networkLinkHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// PlantsListInput holds parameters for plants_list.
type PlantsListInput struct {
	Category   string `json:"category,omitempty" jsonschema:"only plants in this category, case-insensitive"`
	Owner      string `json:"owner,omitempty" jsonschema:"only plants listed by this user"`
	SortBy     string `json:"sort_by,omitempty" jsonschema:"created, name or category; defaults to created"`
	Descending bool   `json:"descending,omitempty" jsonschema:"reverse the sort order"`
}

// PlantGetInput holds parameters for plant_get.
type PlantGetInput struct {
	PlantID string `json:"plant_id" jsonschema:"required,server id of the plant"`
}

// PlantCreateInput holds parameters for plant_create.
type PlantCreateInput struct {
	Name        string `json:"name" jsonschema:"required,plant name"`
	Category    string `json:"category,omitempty" jsonschema:"plant category, e.g. succulent"`
	Description string `json:"description,omitempty" jsonschema:"free text description"`
	PhotoRef    string `json:"photo_ref,omitempty" jsonschema:"path to a compressed photo on this machine"`
}

// PlantUpdateInput holds parameters for plant_update.
type PlantUpdateInput struct {
	LocalID     uint64 `json:"local_id" jsonschema:"required,local id from plants_list or plant_create"`
	Name        string `json:"name,omitempty" jsonschema:"new name"`
	Category    string `json:"category,omitempty" jsonschema:"new category"`
	Description string `json:"description,omitempty" jsonschema:"new description"`
	PhotoRef    string `json:"photo_ref,omitempty" jsonschema:"new photo path"`
}

// ChatListInput holds parameters for chat_list.
type ChatListInput struct {
	PlantID string `json:"plant_id" jsonschema:"required,server id of the plant"`
}

// ChatSendInput holds parameters for chat_send.
type ChatSendInput struct {
	PlantID string `json:"plant_id" jsonschema:"required,server id of the plant"`
	Text    string `json:"text" jsonschema:"required,message text"`
}

// NetworkLinkInput holds parameters for network_link.
type NetworkLinkInput struct {
	Online bool `json:"online" jsonschema:"true when the link came up, false when it went down"`
}

// EmptyInput has no parameters.
type EmptyInput struct{}

// --- Output types ---

// RecordEntry is one row of a listing. Plant fields or chat fields are
// set depending on the record kind.
type RecordEntry struct {
	LocalID   uint64 `json:"local_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
	Status    string `json:"status"`
	Unsent    bool   `json:"unsent,omitempty"`
	Rejected  bool   `json:"rejected,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`

	Name        string `json:"name,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	PhotoRef    string `json:"photo_ref,omitempty"`

	PlantID string `json:"plant_id,omitempty"`
	Author  string `json:"author,omitempty"`
	Text    string `json:"text,omitempty"`
	Time    string `json:"time,omitempty"`
}

// ListResult is returned by plants_list and chat_list.
type ListResult struct {
	Total   int           `json:"total"`
	Records []RecordEntry `json:"records"`
}

// SyncStatusResult is returned by sync_status.
type SyncStatusResult struct {
	Reachable bool          `json:"reachable"`
	Pending   int           `json:"pending"`
	Draining  bool          `json:"draining"`
	LastDrain string        `json:"last_drain,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Rejected  []RecordEntry `json:"rejected,omitempty"`
}

// NetworkLinkResult is returned by network_link.
type NetworkLinkResult struct {
	Online    bool `json:"online"`
	Reachable bool `json:"reachable"`
}

// SyncNowResult is returned by sync_now.
type SyncNowResult struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// --- Handlers ---

func plantsListHandler(e *engine.Engine) mcp.ToolHandlerFor[PlantsListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PlantsListInput) (*mcp.CallToolResult, *ListResult, error) {
		sortBy, err := reconcile.ParseSortField(input.SortBy)
		if err != nil {
			return nil, nil, err
		}

		recs, err := e.View(ctx, reconcile.ViewOptions{
			Kind:       models.KindPlants,
			Category:   input.Category,
			Owner:      input.Owner,
			SortBy:     sortBy,
			Descending: input.Descending,
		})
		if err != nil {
			return nil, nil, err
		}

		result := listResult(recs)

		return textResult(result), result, nil
	}
}

func plantGetHandler(e *engine.Engine) mcp.ToolHandlerFor[PlantGetInput, *RecordEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PlantGetInput) (*mcp.CallToolResult, *RecordEntry, error) {
		rec, err := e.Plant(ctx, input.PlantID)
		if err != nil {
			return nil, nil, err
		}

		result := entry(rec)

		return textResult(result), &result, nil
	}
}

func plantCreateHandler(e *engine.Engine) mcp.ToolHandlerFor[PlantCreateInput, *RecordEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PlantCreateInput) (*mcp.CallToolResult, *RecordEntry, error) {
		rec, err := e.CreatePlant(ctx, models.Plant{
			Name:        input.Name,
			Category:    input.Category,
			Description: input.Description,
			PhotoRef:    input.PhotoRef,
		})
		if err != nil {
			return nil, nil, err
		}

		result := entry(rec)

		return textResult(result), &result, nil
	}
}

func plantUpdateHandler(e *engine.Engine) mcp.ToolHandlerFor[PlantUpdateInput, *RecordEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PlantUpdateInput) (*mcp.CallToolResult, *RecordEntry, error) {
		ref := models.RecordRef{Kind: models.KindPlants, LocalID: input.LocalID}

		rec, err := e.UpdateRecord(ctx, ref, models.Payload{Plant: &models.Plant{
			Name:        input.Name,
			Category:    input.Category,
			Description: input.Description,
			PhotoRef:    input.PhotoRef,
		}})
		if err != nil {
			return nil, nil, err
		}

		result := entry(rec)

		return textResult(result), &result, nil
	}
}

func chatListHandler(e *engine.Engine) mcp.ToolHandlerFor[ChatListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ChatListInput) (*mcp.CallToolResult, *ListResult, error) {
		if input.PlantID == "" {
			return nil, nil, fmt.Errorf("plant_id is required")
		}

		recs, err := e.View(ctx, reconcile.ViewOptions{
			Kind:    models.KindChatMessages,
			PlantID: input.PlantID,
		})
		if err != nil {
			return nil, nil, err
		}

		result := listResult(recs)

		return textResult(result), result, nil
	}
}

func chatSendHandler(e *engine.Engine) mcp.ToolHandlerFor[ChatSendInput, *RecordEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ChatSendInput) (*mcp.CallToolResult, *RecordEntry, error) {
		rec, err := e.CreateChatMessage(ctx, models.ChatMessage{
			PlantID: input.PlantID,
			Text:    input.Text,
		})
		if err != nil {
			return nil, nil, err
		}

		result := entry(rec)

		return textResult(result), &result, nil
	}
}

func syncStatusHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *SyncStatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *SyncStatusResult, error) {
		st, err := e.State(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncStatusResult{
			Reachable: st.Reachable,
			Pending:   st.Pending,
			Draining:  st.Draining,
			LastDrain: formatTime(st.LastDrain),
			Degraded:  st.Degraded,
		}

		for _, rec := range st.Rejected {
			result.Rejected = append(result.Rejected, entry(rec))
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *SyncNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		res, err := e.SyncNow(ctx)
		if err != nil {
			return nil, nil, err
		}

		pending, err := e.PendingCount()
		if err != nil {
			return nil, nil, err
		}

		result := &SyncNowResult{
			Uploaded: len(res.Succeeded),
			Failed:   len(res.Failed),
			Pending:  pending,
		}

		return textResult(result), result, nil
	}
}

func networkLinkHandler(e *engine.Engine) mcp.ToolHandlerFor[NetworkLinkInput, *NetworkLinkResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input NetworkLinkInput) (*mcp.CallToolResult, *NetworkLinkResult, error) {
		e.SetLinkDown(!input.Online)

		st, err := e.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &NetworkLinkResult{Online: input.Online, Reachable: st.Reachable}

		return textResult(result), result, nil
	}
}

func listResult(recs []models.Record) *ListResult {
	out := &ListResult{Total: len(recs), Records: make([]RecordEntry, 0, len(recs))}
	for _, rec := range recs {
		out.Records = append(out.Records, entry(rec))
	}

	return out
}

func entry(rec models.Record) RecordEntry {
	e := RecordEntry{
		ServerID:  rec.ServerID,
		Status:    string(rec.SyncStatus),
		Rejected:  rec.Rejected,
		Error:     rec.LastError,
		CreatedAt: formatTime(rec.CreatedAt),
	}

	if p := rec.Payload.Plant; p != nil {
		e.Name = p.Name
		e.Owner = p.Owner
		e.Category = p.Category
		e.Description = p.Description
		e.PhotoRef = p.PhotoRef
	}

	if c := rec.Payload.Chat; c != nil {
		e.PlantID = c.PlantID
		e.Author = c.Author
		e.Text = c.Text
		e.Time = formatTime(c.Time)
	}

	// Remote copies are addressed by server id only.
	if rec.Origin == models.OriginLocal {
		e.LocalID = rec.LocalID
		e.Unsent = rec.SyncStatus != models.StatusSynced
	}

	return e
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
