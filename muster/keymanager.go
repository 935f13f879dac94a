package muster

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// KeyManager encapsulates all functionality within muster for handling
// encryption keyring changes across a cluster.
type KeyManager struct {
	muster *Muster

	// Lock to protect read and write operations
	l sync.RWMutex
}

// KeyResponse is used to relay a query for a list of all keys in use.
type KeyResponse struct {
	// Messages is a mapping of node name to message. Messages can be any
	// relevant information the node wanted to relay, such as errors.
	Messages map[string]string

	// NumNodes is the total number of nodes in the cluster
	NumNodes int

	// NumResp is the total number of responses received
	NumResp int

	// NumErr is the total number of responses that contained errors
	NumErr int

	// Keys is a mapping of the base64-encoded value of the key bytes to
	// the number of nodes that have the key installed.
	Keys map[string]int

	// PrimaryKeys is a mapping of the base64-encoded value of the primary
	// key bytes to the number of nodes that have it as their primary.
	PrimaryKeys map[string]int
}

// streamKeyResp takes care of reading responses from a channel and composing
// them into a KeyResponse. It will update a KeyResponse *in place* and
// therefore has nothing to return.
func (k *KeyManager) streamKeyResp(resp *KeyResponse, ch <-chan NodeResponse) {
	for r := range ch {
		var nodeResponse nodeKeyResponse

		resp.NumResp++

		// Decode the response
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType {
			resp.Messages[r.From] = fmt.Sprintf(
				"Invalid key query response type: %v", r.Payload)
			resp.NumErr++
			goto NEXT
		}
		if err := decodeMessage(r.Payload[1:], &nodeResponse); err != nil {
			resp.Messages[r.From] = fmt.Sprintf(
				"Failed to decode key query response: %v", r.Payload)
			resp.NumErr++
			goto NEXT
		}

		if !nodeResponse.Result {
			resp.Messages[r.From] = nodeResponse.Message
			resp.NumErr++
		}

		if nodeResponse.Result && len(nodeResponse.Message) > 0 {
			resp.Messages[r.From] = nodeResponse.Message
			k.muster.logger.Println("[WARN] muster:", nodeResponse.Message)
		}

		// Currently only used for key list queries, this adds keys to a
		// map and counts the number of nodes that have each key.
		for i, key := range nodeResponse.Keys {
			if _, ok := resp.Keys[key]; !ok {
				resp.Keys[key] = 0
			}
			resp.Keys[key]++

			// The first key in the list is the primary key on that node
			if i == 0 {
				if _, ok := resp.PrimaryKeys[key]; !ok {
					resp.PrimaryKeys[key] = 0
				}
				resp.PrimaryKeys[key]++
			}
		}

	NEXT:
		// Return early if all nodes have responded. This allows us to avoid
		// waiting for the full timeout when there is nothing left to do.
		if resp.NumResp == resp.NumNodes {
			return
		}
	}
}

// handleKeyRequest performs query broadcasting to all members for any type of
// key operation and manages gathering responses and aggregating errors.
func (k *KeyManager) handleKeyRequest(key, query string) (*KeyResponse, error) {
	resp := &KeyResponse{
		Messages:    make(map[string]string),
		Keys:        make(map[string]int),
		PrimaryKeys: make(map[string]int),
	}
	qName := internalQueryName(query)

	// Decode the new key into raw bytes
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return resp, err
	}

	qParam := k.muster.DefaultQueryParams()
	queryResp, err := k.muster.Query(qName, rawKey, qParam)
	if err != nil {
		return resp, err
	}

	// Handle the response stream and populate the KeyResponse
	resp.NumNodes = k.muster.NumMembers()
	k.streamKeyResp(resp, queryResp.ResponseCh())

	// Check the response for any reported failure conditions
	if resp.NumErr != 0 {
		var errs error
		for from, msg := range resp.Messages {
			errs = multierror.Append(errs, fmt.Errorf("node %s: %s", from, msg))
		}
		return resp, fmt.Errorf("%d/%d nodes reported failure: %v", resp.NumErr, resp.NumNodes, errs)
	}
	if resp.NumResp != resp.NumNodes {
		return resp, fmt.Errorf("%d/%d nodes reported success", resp.NumResp, resp.NumNodes)
	}

	return resp, nil
}

// InstallKey handles broadcasting a query to all members and gathering
// responses from each of them, returning a list of messages from each node
// and any applicable error conditions.
func (k *KeyManager) InstallKey(key string) (*KeyResponse, error) {
	k.l.Lock()
	defer k.l.Unlock()

	return k.handleKeyRequest(key, installKeyQuery)
}

// UseKey handles broadcasting a primary key change to all members in the
// cluster, and gathering any response messages. If successful, there should
// be an empty KeyResponse returned.
func (k *KeyManager) UseKey(key string) (*KeyResponse, error) {
	k.l.Lock()
	defer k.l.Unlock()

	return k.handleKeyRequest(key, useKeyQuery)
}

// RemoveKey handles broadcasting a key to the cluster for removal. Each member
// will receive this event, and if they have the key in their keyring, remove
// it. If any errors are encountered, RemoveKey will collect and relay them.
func (k *KeyManager) RemoveKey(key string) (*KeyResponse, error) {
	k.l.Lock()
	defer k.l.Unlock()

	return k.handleKeyRequest(key, removeKeyQuery)
}

// ListKeys is used to collect installed keys from members in a muster
// cluster and return an aggregated list of all installed keys. This is
// useful to operators to ensure that there are no lingering keys installed
// on any agents. Since having multiple keys installed can cause performance
// penalties in some cases, it's important to verify this information and
// remove unneeded keys.
func (k *KeyManager) ListKeys() (*KeyResponse, error) {
	k.l.RLock()
	defer k.l.RUnlock()

	resp := &KeyResponse{
		Messages:    make(map[string]string),
		Keys:        make(map[string]int),
		PrimaryKeys: make(map[string]int),
	}
	qName := internalQueryName(listKeysQuery)

	qParam := k.muster.DefaultQueryParams()
	queryResp, err := k.muster.Query(qName, nil, qParam)
	if err != nil {
		return resp, err
	}

	// Handle the response stream and populate the KeyResponse
	resp.NumNodes = k.muster.NumMembers()
	k.streamKeyResp(resp, queryResp.ResponseCh())

	return resp, nil
}
