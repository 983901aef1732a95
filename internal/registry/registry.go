package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// ErrNodeNotFound is returned when no live node has the requested id
var ErrNodeNotFound = errors.New("node not found")

// NodeInfo describes one emulated controller reachable over the frame relay
type NodeInfo struct {
	NID         uint16
	RelayAddr   string
	MACAddr     string
	LastUpdated string
}

// NodeRegistry maps node ids to relay addresses
type NodeRegistry struct {
	conn *gorqlite.Connection
}

// NewNodeRegistry creates a new node registry
func NewNodeRegistry(dbURI string) (*NodeRegistry, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing node registry with rqlite")

	// Connect to rqlite
	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	registry := &NodeRegistry{
		conn: conn,
	}

	// Initialize database schema
	if err := registry.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return registry, nil
}

// initializeSchema creates the nodes table if it doesn't exist
func (r *NodeRegistry) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS nodes (
		nid INTEGER PRIMARY KEY,
		relay_addr TEXT NOT NULL,
		mac_addr TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	`

	_, err := r.conn.WriteOne(createTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create nodes table: %w", err)
	}

	return nil
}

// Close closes the registry
func (r *NodeRegistry) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

// RegisterNode announces a node and its relay address
func (r *NodeRegistry) RegisterNode(ctx context.Context, node NodeInfo) error {
	log.Info().
		Uint16("nid", node.NID).
		Str("relayAddr", node.RelayAddr).
		Msg("Registering node")

	upsertSQL := `
	INSERT OR REPLACE INTO nodes
	(nid, relay_addr, mac_addr, last_updated)
	VALUES (?, ?, ?, ?);
	`

	// Current time in RFC3339 format
	now := time.Now().UTC().Format(time.RFC3339)

	stmt := gorqlite.ParameterizedStatement{
		Query: upsertSQL,
		Arguments: []interface{}{
			int64(node.NID),
			node.RelayAddr,
			node.MACAddr,
			now,
		},
	}

	_, err := r.conn.WriteOneParameterized(stmt)
	if err != nil {
		return fmt.Errorf("failed to register node %d: %w", node.NID, err)
	}

	return nil
}

// DeregisterNode removes a node
func (r *NodeRegistry) DeregisterNode(ctx context.Context, nid uint16) error {
	stmt := gorqlite.ParameterizedStatement{
		Query:     `DELETE FROM nodes WHERE nid = ?;`,
		Arguments: []interface{}{int64(nid)},
	}

	_, err := r.conn.WriteOneParameterized(stmt)
	if err != nil {
		return fmt.Errorf("failed to deregister node %d: %w", nid, err)
	}

	log.Info().Uint16("nid", nid).Msg("Node deregistered")
	return nil
}

// LookupNode returns the node registered under nid
func (r *NodeRegistry) LookupNode(ctx context.Context, nid uint16) (*NodeInfo, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
		SELECT nid, relay_addr, mac_addr, last_updated
		FROM nodes
		WHERE nid = ?
		LIMIT 1;
		`,
		Arguments: []interface{}{int64(nid)},
	}

	result, err := r.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query node %d: %w", nid, err)
	}

	if !result.Next() {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, nid)
	}

	return scanNode(&result)
}

// ListNodes returns every registered node ordered by id
func (r *NodeRegistry) ListNodes(ctx context.Context) ([]*NodeInfo, error) {
	querySQL := `
	SELECT nid, relay_addr, mac_addr, last_updated
	FROM nodes
	ORDER BY nid;
	`

	result, err := r.conn.QueryOne(querySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var nodes []*NodeInfo
	for result.Next() {
		node, err := scanNode(&result)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// ResolvePeer returns the relay address of nid
func (r *NodeRegistry) ResolvePeer(ctx context.Context, nid uint16) (string, error) {
	node, err := r.LookupNode(ctx, nid)
	if err != nil {
		return "", err
	}
	return node.RelayAddr, nil
}

func scanNode(result *gorqlite.QueryResult) (*NodeInfo, error) {
	var nid int64
	var relayAddr, macAddr, lastUpdated string
	if err := result.Scan(&nid, &relayAddr, &macAddr, &lastUpdated); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return &NodeInfo{
		NID:         uint16(nid),
		RelayAddr:   relayAddr,
		MACAddr:     macAddr,
		LastUpdated: lastUpdated,
	}, nil
}
