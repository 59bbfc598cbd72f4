package client

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// liveConnections is the process-wide registry of kernel connections, keyed
// by clientId. A connection inserts itself at construction and removes
// itself at dispose. FindByID / ConnectTo use it as a fast path so a known
// kernel can be answered (or cloned) without touching the network.
//
// The registry is explicit shared state: it is only ever mutated through
// registerConnection / unregisterConnection.
var liveConnections = cmap.New[*kernelConnection]()

func registerConnection(conn *kernelConnection) {
	liveConnections.Set(conn.ClientID(), conn)
}

func unregisterConnection(conn *kernelConnection) {
	liveConnections.Remove(conn.ClientID())
}

// findConnectionByKernelID scans the registry for a live, undisposed
// connection to the given kernel.
func findConnectionByKernelID(kernelID string) *kernelConnection {
	for item := range liveConnections.IterBuffered() {
		conn := item.Val
		if conn.KernelID() == kernelID && !conn.IsDisposed() {
			return conn
		}
	}

	return nil
}
