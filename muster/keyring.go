package muster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
)

// loadKeyringFile reads a keyring file from disk and returns the decoded
// keys, primary first. A missing file is not an error and returns nil.
func loadKeyringFile(path string) ([][]byte, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Read in the keyring file data
	keyringData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring file: %v", err)
	}

	// Decode keyring JSON
	keys := make([]string, 0)
	if err := json.Unmarshal(keyringData, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode keyring file: %v", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring file contains no keys")
	}

	// Decode base64 values, aggregating the bad keys so the operator
	// sees every problem at once.
	var errs error
	keysDecoded := make([][]byte, len(keys))
	for i, key := range keys {
		keyBytes, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to decode key %d: %v", i, err))
			continue
		}
		if l := len(keyBytes); l != 16 && l != 24 && l != 32 {
			errs = multierror.Append(errs, fmt.Errorf("key %d has invalid size %d", i, l))
			continue
		}
		keysDecoded[i] = keyBytes
	}
	if errs != nil {
		return nil, errs
	}

	return keysDecoded, nil
}

// writeKeyringFile persists the keyring to disk as a JSON array of
// base64-encoded keys, primary key first.
func writeKeyringFile(path string, keyring *memberlist.Keyring) error {
	encoded := base64Keys(keyring)

	keysJSON, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keys: %v", err)
	}

	// Use 0600 for permissions because key data is sensitive
	if err := os.WriteFile(path, keysJSON, 0600); err != nil {
		return fmt.Errorf("failed to write keyring file: %v", err)
	}

	return nil
}
