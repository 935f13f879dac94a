package muster

import (
	"encoding/base64"
	"log"
	"strings"
)

const (
	// InternalQueryPrefix is the prefix we use for queries that are
	// internal to muster. They are handled internally, and not forwarded
	// to a client.
	InternalQueryPrefix = "_muster_"

	// pingQuery is run to check for reachability
	pingQuery = "ping"

	// conflictQuery is run to resolve a name conflict
	conflictQuery = "conflict"

	// installKeyQuery is used to install a new key
	installKeyQuery = "install-key"

	// useKeyQuery is used to change the primary encryption key
	useKeyQuery = "use-key"

	// removeKeyQuery is used to remove a key from the keyring
	removeKeyQuery = "remove-key"

	// listKeysQuery is used to list all known keys in the cluster
	listKeysQuery = "list-keys"
)

// internalQueryName is used to generate a query name for an internal query
func internalQueryName(name string) string {
	return InternalQueryPrefix + name
}

// internalQueryHandler is used to listen for queries that start with the
// internal prefix and respond to them as appropriate.
type internalQueryHandler struct {
	inCh       chan Event
	logger     *log.Logger
	outCh      chan<- Event
	muster     *Muster
	shutdownCh <-chan struct{}
}

// nodeKeyResponse is used to store the result from an individual node while
// replying to key modification queries
type nodeKeyResponse struct {
	// Result indicates true/false if there were errors or not
	Result bool

	// Message contains error messages or other information
	Message string

	// Keys is used in listing queries to relay a list of installed keys
	Keys []string
}

// newInternalQueryHandler returns a channel that can be used to submit
// events, intercepting the internal queries and forwarding everything
// else to outCh. The host must be non-nil.
func newInternalQueryHandler(m *Muster, logger *log.Logger, outCh chan<- Event,
	shutdownCh <-chan struct{}) (chan Event, error) {
	if m == nil {
		return nil, errNilHost
	}
	handler := &internalQueryHandler{
		inCh:       make(chan Event, 1024),
		logger:     logger,
		outCh:      outCh,
		muster:     m,
		shutdownCh: shutdownCh,
	}
	go handler.stream()
	return handler.inCh, nil
}

// stream is a long running routine to ingest the event stream
func (h *internalQueryHandler) stream() {
	for {
		select {
		case e := <-h.inCh:
			// Check if this is a query we should process
			if q, ok := e.(*Query); ok && strings.HasPrefix(q.Name, InternalQueryPrefix) {
				go h.handleQuery(q)
				continue
			}

			// Pass the event through
			if h.outCh != nil {
				h.outCh <- e
			}

		case <-h.shutdownCh:
			return
		}
	}
}

// handleQuery is invoked when we get an internal query
func (h *internalQueryHandler) handleQuery(q *Query) {
	// Get the queryName after the initial prefix
	queryName := q.Name[len(InternalQueryPrefix):]
	switch queryName {
	case pingQuery:
		// Nothing to do, we will ack the query
	case conflictQuery:
		h.handleConflict(q)
	case installKeyQuery:
		h.handleInstallKey(q)
	case useKeyQuery:
		h.handleUseKey(q)
	case removeKeyQuery:
		h.handleRemoveKey(q)
	case listKeysQuery:
		h.handleListKeys(q)
	default:
		h.logger.Printf("[WARN] muster: Unhandled internal query '%s'", queryName)
	}
}

// handleConflict is invoked when we get a query that is attempting to
// resolve a name conflict
func (h *internalQueryHandler) handleConflict(q *Query) {
	// The target node name is the payload
	node := string(q.Payload)

	// Do not respond to the query if it is about us
	if node == h.muster.config.NodeName {
		return
	}
	h.logger.Printf("[DEBUG] muster: Got conflict resolution query for '%s'", node)

	// Look for the member info
	member, _ := h.muster.GetMember(node)

	// Encode the response
	out, err := encodeMessage(messageConflictResponseType, &messageConflictResponse{Member: member})
	if err != nil {
		h.logger.Printf("[ERR] muster: Failed to encode conflict query response: %v", err)
		return
	}

	// Send our response
	if err := q.Respond(out); err != nil {
		h.logger.Printf("[ERR] muster: Failed to respond to conflict query: %v", err)
	}
}

// sendKeyResponse handles responding to key-related queries.
func (h *internalQueryHandler) sendKeyResponse(q *Query, resp *nodeKeyResponse) {
	buf, err := encodeMessage(messageKeyResponseType, resp)
	if err != nil {
		h.logger.Printf("[ERR] muster: Failed to encode key response: %v", err)
		return
	}

	if err := q.Respond(buf); err != nil {
		h.logger.Printf("[ERR] muster: Failed to respond to key query: %v", err)
		return
	}
}

// handleInstallKey is invoked whenever a new encryption key is received
// from another member in the cluster, and handles the process of installing
// it onto the memberlist keyring. This type of query may fail if the provided
// key does not fit the constraints that memberlist enforces. If the query
// fails, the response will contain the error message so that it may be relayed.
func (h *internalQueryHandler) handleInstallKey(q *Query) {
	response := nodeKeyResponse{Result: false}
	keyring := h.muster.config.MemberlistConfig.Keyring

	if !h.muster.EncryptionEnabled() {
		response.Message = "No keyring to modify (encryption not enabled)"
		h.logger.Printf("[ERR] muster: No keyring to modify (encryption not enabled)")
		h.sendKeyResponse(q, &response)
		return
	}

	h.logger.Printf("[INFO] muster: Received install-key query")
	if err := keyring.AddKey(q.Payload); err != nil {
		response.Message = err.Error()
		h.logger.Printf("[ERR] muster: Failed to install key: %s", err)
		h.sendKeyResponse(q, &response)
		return
	}

	if h.muster.config.KeyringFile != "" {
		if err := h.muster.WriteKeyringFile(); err != nil {
			response.Message = err.Error()
			h.logger.Printf("[ERR] muster: Failed to write keyring file: %s", err)
			h.sendKeyResponse(q, &response)
			return
		}
	}

	response.Result = true
	h.sendKeyResponse(q, &response)
}

// handleUseKey is invoked whenever a query is received to mark a different
// key in the internal keyring as the primary key. This type of query may fail
// due to operator error (requested key not in ring), and thus any errors are
// relayed back to the querying member.
func (h *internalQueryHandler) handleUseKey(q *Query) {
	response := nodeKeyResponse{Result: false}
	keyring := h.muster.config.MemberlistConfig.Keyring

	if !h.muster.EncryptionEnabled() {
		response.Message = "No keyring to modify (encryption not enabled)"
		h.logger.Printf("[ERR] muster: No keyring to modify (encryption not enabled)")
		h.sendKeyResponse(q, &response)
		return
	}

	h.logger.Printf("[INFO] muster: Received use-key query")
	if err := keyring.UseKey(q.Payload); err != nil {
		response.Message = err.Error()
		h.logger.Printf("[ERR] muster: Failed to change primary key: %s", err)
		h.sendKeyResponse(q, &response)
		return
	}

	if h.muster.config.KeyringFile != "" {
		if err := h.muster.WriteKeyringFile(); err != nil {
			response.Message = err.Error()
			h.logger.Printf("[ERR] muster: Failed to write keyring file: %s", err)
			h.sendKeyResponse(q, &response)
			return
		}
	}

	response.Result = true
	h.sendKeyResponse(q, &response)
}

// handleRemoveKey is invoked when a query is received to remove a key from
// the keyring. If the key requested for removal is currently the primary key,
// this will fail.
func (h *internalQueryHandler) handleRemoveKey(q *Query) {
	response := nodeKeyResponse{Result: false}
	keyring := h.muster.config.MemberlistConfig.Keyring

	if !h.muster.EncryptionEnabled() {
		response.Message = "No keyring to modify (encryption not enabled)"
		h.logger.Printf("[ERR] muster: No keyring to modify (encryption not enabled)")
		h.sendKeyResponse(q, &response)
		return
	}

	h.logger.Printf("[INFO] muster: Received remove-key query")
	if err := keyring.RemoveKey(q.Payload); err != nil {
		response.Message = err.Error()
		h.logger.Printf("[ERR] muster: Failed to remove key: %s", err)
		h.sendKeyResponse(q, &response)
		return
	}

	if h.muster.config.KeyringFile != "" {
		if err := h.muster.WriteKeyringFile(); err != nil {
			response.Message = err.Error()
			h.logger.Printf("[ERR] muster: Failed to write keyring file: %s", err)
			h.sendKeyResponse(q, &response)
			return
		}
	}

	response.Result = true
	h.sendKeyResponse(q, &response)
}

// handleListKeys is invoked when a query is received to return a list of all
// installed keys
func (h *internalQueryHandler) handleListKeys(q *Query) {
	response := nodeKeyResponse{Result: false}
	keyring := h.muster.config.MemberlistConfig.Keyring

	if !h.muster.EncryptionEnabled() {
		response.Message = "Keyring is empty (encryption not enabled)"
		h.logger.Printf("[ERR] muster: Keyring is empty (encryption not enabled)")
		h.sendKeyResponse(q, &response)
		return
	}

	h.logger.Printf("[INFO] muster: Received list-keys query")
	for _, keyBytes := range keyring.GetKeys() {
		// Encode the keys before sending the response.
		key := base64.StdEncoding.EncodeToString(keyBytes)
		response.Keys = append(response.Keys, key)
	}

	response.Result = true
	h.sendKeyResponse(q, &response)
}
