// internal/handler/agent_handler.go
package handler

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/agent"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// AgentView is the read-only surface of a running agent
type AgentView interface {
	Name() string
	Cookie() string
	Running() bool
	Commands() []agent.CommandName
	Connections() []model.ConnectionInfo
	Connection(name string) (model.ConnectionInfo, bool)
	PendingCommands() []model.CommandInfo
}

// AgentSummary represents GET /agent
type AgentSummary struct {
	Name        string   `json:"name"`
	Cookie      string   `json:"cookie"`
	Running     bool     `json:"running"`
	Commands    []string `json:"commands"`
	Connections int      `json:"connections"`
	Pending     int      `json:"pending_commands"`
}

// AgentHandler exposes agent state over HTTP
type AgentHandler struct {
	agent  AgentView
	logger *utils.ServiceLogger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(view AgentView, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agent:  view,
		logger: utils.NewServiceLogger(logger, "agent-handler"),
	}
}

// RegisterRoutes registers agent routes
func (h *AgentHandler) RegisterRoutes(router *gin.RouterGroup) {
	agentGroup := router.Group("/agent")
	{
		agentGroup.GET("", h.GetAgent)
		agentGroup.GET("/connections", h.ListConnections)
		agentGroup.GET("/connections/:name", h.GetConnection)
		agentGroup.GET("/commands", h.ListCommands)
	}
}

// GetAgent returns the agent summary
func (h *AgentHandler) GetAgent(c *gin.Context) {
	names := h.agent.Commands()
	commands := make([]string, 0, len(names))
	for _, name := range names {
		commands = append(commands, string(name))
	}
	sort.Strings(commands)

	utils.SuccessResponse(c, http.StatusOK, "Agent retrieved", &AgentSummary{
		Name:        h.agent.Name(),
		Cookie:      h.agent.Cookie(),
		Running:     h.agent.Running(),
		Commands:    commands,
		Connections: len(h.agent.Connections()),
		Pending:     len(h.agent.PendingCommands()),
	})
}

// ListConnections returns every device and client connection
func (h *AgentHandler) ListConnections(c *gin.Context) {
	connections := h.agent.Connections()
	if role := c.Query("role"); role != "" {
		filtered := connections[:0]
		for _, info := range connections {
			if string(info.Role) == role {
				filtered = append(filtered, info)
			}
		}
		connections = filtered
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].Name < connections[j].Name
	})

	utils.SuccessResponse(c, http.StatusOK, "Connections retrieved", connections)
}

// GetConnection returns one connection by name
func (h *AgentHandler) GetConnection(c *gin.Context) {
	name := c.Param("name")
	info, ok := h.agent.Connection(name)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Connection not found", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Connection retrieved", info)
}

// ListCommands returns the commands awaiting a reply
func (h *AgentHandler) ListCommands(c *gin.Context) {
	commands := h.agent.PendingCommands()
	sort.Slice(commands, func(i, j int) bool {
		return commands[i].ReceivedAt.Before(commands[j].ReceivedAt)
	})
	utils.SuccessResponse(c, http.StatusOK, "Commands retrieved", commands)
}
