package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/guardian/internal/model"
)

// GenesisHash is the prev_hash of the first line of an export.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ExportLine is one line of a JSONL ledger export. PrevHash is the SHA-256
// of the previous line, so an archived export is tamper-evident on its own
// without access to the hash secret.
type ExportLine struct {
	Entry    model.LedgerEntry `json:"entry"`
	PrevHash string            `json:"prev_hash"`
}

// Export writes every ledger entry from src to path as a hash-chained
// JSONL file. The file is created fresh; an existing file is an error.
func Export(ctx context.Context, src Source, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return 0, fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("audit: create export: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	prevHash := GenesisHash
	n := 0
	err = src.Entries(ctx, func(e model.LedgerEntry) error {
		line, err := json.Marshal(ExportLine{Entry: e, PrevHash: prevHash})
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.EventID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		prevHash = HashLine(line)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("audit: export: %w", err)
	}
	if err := w.Flush(); err != nil {
		return n, fmt.Errorf("audit: flush export: %w", err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("audit: sync export: %w", err)
	}
	return n, nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// FileResult holds the outcome of an export chain verification.
type FileResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// VerifyFile walks a JSONL export and validates its line chain.
// Returns Valid=true if intact, or details about the first broken link.
func VerifyFile(path string) FileResult {
	f, err := os.Open(path)
	if err != nil {
		return FileResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	expected := GenesisHash

	for scanner.Scan() {
		lineNum++
		// Copy since scanner reuses the buffer
		line := append([]byte(nil), scanner.Bytes()...)

		var el ExportLine
		if err := json.Unmarshal(line, &el); err != nil {
			return FileResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if el.PrevHash != expected {
			return FileResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, el.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return FileResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return FileResult{Valid: true, Lines: lineNum}
}
