package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "reminder"
	serverVersion = "1.0.0"
)

// Server is the MCP server exposing engine operations as tools.
type Server struct {
	mcpServer *server.MCPServer
	engine    *Engine
}

// NewServer creates a new Reminder MCP server backed by the given engine.
func NewServer(engine *Engine) *Server {
	s := &Server{
		engine: engine,
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for serving.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// create_reminder
	s.mcpServer.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Start nagging an owner about a subject. Replaces any active reminder for the same subject."),
			mcp.WithString("owner_id", mcp.Required(), mcp.Description("Owner to notify (chat id for Telegram)")),
			mcp.WithString("subject_ref", mcp.Required(), mcp.Description("Opaque reference to the task or idea")),
			mcp.WithString("due_at", mcp.Required(), mcp.Description("Due time in RFC3339 format (e.g. 2025-01-15T09:00:00Z)")),
			mcp.WithString("priority", mcp.Description("Priority tier: critical, important, normal, optional (default: normal)")),
			mcp.WithString("title", mcp.Description("Text shown in the notification")),
		),
		s.handleCreateReminder,
	)

	// list_active_reminders
	s.mcpServer.AddTool(
		mcp.NewTool("list_active_reminders",
			mcp.WithDescription("List the owner's reminders that are not acknowledged, cancelled or expired"),
			mcp.WithString("owner_id", mcp.Required(), mcp.Description("Owner id")),
		),
		s.handleListActive,
	)

	// acknowledge_reminder
	s.mcpServer.AddTool(
		mcp.NewTool("acknowledge_reminder",
			mcp.WithDescription("Mark a reminder as done. Safe to call more than once."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder ID")),
		),
		s.handleAcknowledge,
	)

	// cancel_reminder
	s.mcpServer.AddTool(
		mcp.NewTool("cancel_reminder",
			mcp.WithDescription("Stop a reminder without marking it done. Safe to call more than once."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder ID")),
		),
		s.handleCancel,
	)

	// cancel_reminder_for_subject
	s.mcpServer.AddTool(
		mcp.NewTool("cancel_reminder_for_subject",
			mcp.WithDescription("Cancel the active reminder for an owner's subject, if any"),
			mcp.WithString("owner_id", mcp.Required(), mcp.Description("Owner id")),
			mcp.WithString("subject_ref", mcp.Required(), mcp.Description("Subject reference")),
		),
		s.handleCancelForSubject,
	)

	// snooze_reminder
	s.mcpServer.AddTool(
		mcp.NewTool("snooze_reminder",
			mcp.WithDescription("Delay the next notification without counting a fire"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder ID")),
			mcp.WithString("duration", mcp.Required(), mcp.Description("Go duration, e.g. 10m or 2h")),
		),
		s.handleSnooze,
	)

	// reschedule_reminder
	s.mcpServer.AddTool(
		mcp.NewTool("reschedule_reminder",
			mcp.WithDescription("Move a reminder to a new due time. The old reminder is cancelled and a new one starts from the first step."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder ID")),
			mcp.WithString("due_at", mcp.Required(), mcp.Description("New due time in RFC3339 format")),
		),
		s.handleReschedule,
	)
}

func (s *Server) handleCreateReminder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID := req.GetString("owner_id", "")
	subjectRef := req.GetString("subject_ref", "")
	dueStr := req.GetString("due_at", "")
	priority := req.GetString("priority", string(TierNormal))

	if ownerID == "" || subjectRef == "" {
		return mcp.NewToolResultError("owner_id and subject_ref are required"), nil
	}
	if dueStr == "" {
		return mcp.NewToolResultError("due_at is required"), nil
	}

	dueAt, err := time.Parse(time.RFC3339, dueStr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid due_at format: %v (use RFC3339, e.g. 2025-01-15T09:00:00Z)", err)), nil
	}

	r, err := s.engine.Create(ctx, NewReminder{
		OwnerID:    ownerID,
		SubjectRef: subjectRef,
		Title:      req.GetString("title", ""),
		Priority:   Tier(priority),
		DueAt:      dueAt,
	})
	if err != nil {
		return toolError("failed to create reminder", err), nil
	}
	return jsonResult(r), nil
}

func (s *Server) handleListActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID := req.GetString("owner_id", "")
	if ownerID == "" {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	var reminders []Reminder
	for r, err := range s.engine.ListActive(ctx, ownerID) {
		if err != nil {
			return toolError("failed to list reminders", err), nil
		}
		reminders = append(reminders, r)
	}

	if len(reminders) == 0 {
		return mcp.NewToolResultText("No active reminders."), nil
	}
	return jsonResult(reminders), nil
}

func (s *Server) handleAcknowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	r, err := s.engine.Acknowledge(ctx, id)
	if err != nil {
		return toolError("failed to acknowledge reminder", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %s is %s.", r.ID, r.State)), nil
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	r, err := s.engine.Cancel(ctx, id)
	if err != nil {
		return toolError("failed to cancel reminder", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %s is %s.", r.ID, r.State)), nil
}

func (s *Server) handleCancelForSubject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID := req.GetString("owner_id", "")
	subjectRef := req.GetString("subject_ref", "")
	if ownerID == "" || subjectRef == "" {
		return mcp.NewToolResultError("owner_id and subject_ref are required"), nil
	}

	found, err := s.engine.CancelForSubject(ctx, ownerID, subjectRef)
	if err != nil {
		return toolError("failed to cancel reminder", err), nil
	}
	if !found {
		return mcp.NewToolResultText(fmt.Sprintf("No active reminder for %q.", subjectRef)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder for %q cancelled.", subjectRef)), nil
}

func (s *Server) handleSnooze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	d, err := time.ParseDuration(req.GetString("duration", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid duration: %v", err)), nil
	}

	r, err := s.engine.Snooze(ctx, id, d)
	if err != nil {
		return toolError("failed to snooze reminder", err), nil
	}
	return jsonResult(r), nil
}

func (s *Server) handleReschedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	dueAt, err := time.Parse(time.RFC3339, req.GetString("due_at", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid due_at: %v", err)), nil
	}

	r, err := s.engine.Reschedule(ctx, id, dueAt)
	if err != nil {
		return toolError("failed to reschedule reminder", err), nil
	}
	return jsonResult(r), nil
}

func toolError(msg string, err error) *mcp.CallToolResult {
	if errors.Is(err, ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: no such reminder", msg))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

func jsonResult(v any) *mcp.CallToolResult {
	output, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(output))
}
