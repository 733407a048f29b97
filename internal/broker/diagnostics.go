package broker

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopback-labs/promptrelay/internal/registry"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// The diagnostics endpoints are read-only projections of the registry; none
// of them mutate broker state.

type healthClientSummary struct {
	ID         int    `json:"id"`
	Workspace  string `json:"workspace"`
	ActiveFile string `json:"activeFile"`
	LastActive string `json:"lastActive"`
}

type healthResponse struct {
	Status           string                `json:"status"`
	Version          string                `json:"version"`
	Timestamp        string                `json:"timestamp"`
	Connected        bool                  `json:"connected"`
	ConnectedClients []healthClientSummary `json:"connectedClients"`
	ClientCount      int                   `json:"clientCount"`
}

func (s *Server) handleHealth(c *gin.Context) {
	clients := s.registry.ListAll()
	summaries := make([]healthClientSummary, 0, len(clients))
	for _, client := range clients {
		summaries = append(summaries, healthClientSummary{
			ID:         client.ID,
			Workspace:  client.Workspace,
			ActiveFile: client.ActiveFile,
			LastActive: client.LastActive.UTC().Format(time.RFC3339),
		})
	}

	aggregated := s.health.CheckAll(c.Request.Context())

	c.JSON(http.StatusOK, healthResponse{
		Status:           string(aggregated.OverallStatus),
		Version:          protocol.Version,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Connected:        len(clients) > 0,
		ConnectedClients: summaries,
		ClientCount:      len(clients),
	})
}

type clientEntry struct {
	ID            int    `json:"id"`
	Workspace     string `json:"workspace"`
	WorkspacePath string `json:"workspacePath"`
	ActiveFile    string `json:"activeFile"`
	ConnectedAt   string `json:"connectedAt"`
	LastActive    string `json:"lastActive"`
	Status        string `json:"status"`
}

type clientsResponse struct {
	Clients     []clientEntry `json:"clients"`
	ClientCount int           `json:"clientCount"`
}

// handleClients serves the fuller list backing a producer-side instance
// picker.
func (s *Server) handleClients(c *gin.Context) {
	clients := s.registry.ListAll()
	entries := make([]clientEntry, 0, len(clients))
	for _, client := range clients {
		entries = append(entries, newClientEntry(client))
	}

	c.JSON(http.StatusOK, clientsResponse{
		Clients:     entries,
		ClientCount: len(entries),
	})
}

func newClientEntry(client registry.Client) clientEntry {
	return clientEntry{
		ID:            client.ID,
		Workspace:     client.Workspace,
		WorkspacePath: client.WorkspacePath,
		ActiveFile:    client.ActiveFile,
		ConnectedAt:   client.ConnectedAt.UTC().Format(time.RFC3339),
		LastActive:    client.LastActive.UTC().Format(time.RFC3339),
		Status:        "connected",
	}
}

type clientStats struct {
	ID            int     `json:"id"`
	MessageCount  int64   `json:"messageCount"`
	BytesSent     int64   `json:"bytesSent"`
	BytesReceived int64   `json:"bytesReceived"`
	ConnectedFor  float64 `json:"connectedFor"`
}

type memoryStats struct {
	AllocBytes      uint64 `json:"allocBytes"`
	TotalAllocBytes uint64 `json:"totalAllocBytes"`
	SysBytes        uint64 `json:"sysBytes"`
	NumGC           uint32 `json:"numGC"`
}

type statsResponse struct {
	Version   string        `json:"version"`
	Uptime    float64       `json:"uptime"`
	Timestamp string        `json:"timestamp"`
	Memory    memoryStats   `json:"memory"`
	Clients   []clientStats `json:"clients"`
}

func (s *Server) handleStats(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := time.Now()
	clients := s.registry.ListAll()
	stats := make([]clientStats, 0, len(clients))
	for _, client := range clients {
		stats = append(stats, clientStats{
			ID:            client.ID,
			MessageCount:  client.MessageCount,
			BytesSent:     client.BytesSent,
			BytesReceived: client.BytesReceived,
			ConnectedFor:  now.Sub(client.ConnectedAt).Seconds(),
		})
	}

	c.JSON(http.StatusOK, statsResponse{
		Version:   protocol.Version,
		Uptime:    now.Sub(s.startTime).Seconds(),
		Timestamp: now.UTC().Format(time.RFC3339),
		Memory: memoryStats{
			AllocBytes:      mem.Alloc,
			TotalAllocBytes: mem.TotalAlloc,
			SysBytes:        mem.Sys,
			NumGC:           mem.NumGC,
		},
		Clients: stats,
	})
}
