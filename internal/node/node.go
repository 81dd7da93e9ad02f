// Package node names the contract every serving process fulfills.
package node

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Node is one addressable serving process.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Info is the identity snapshot a node reports on its health surface.
type Info struct {
	NodeID  string `json:"node_id"`
	Kind    string `json:"kind"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Describe builds the health snapshot for n.
func Describe(n Node, version string, since time.Time) Info {
	return Info{
		NodeID:  n.NodeID(),
		Kind:    n.Kind(),
		Version: version,
		Uptime:  time.Since(since).Round(time.Millisecond).String(),
	}
}
