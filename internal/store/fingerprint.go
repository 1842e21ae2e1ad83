package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// LineItem is one budget line inside a proposal. Amounts are decimal strings
// so money never rides a float.
type LineItem struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// submissionFields contains the fields that contribute to a proposal's
// submission fingerprint. Resubmitting content that hashes to an existing
// fingerprint within the same org is rejected as a duplicate.
type submissionFields struct {
	Title      string     `json:"title"`
	FiscalYear int        `json:"fiscal_year"`
	Amount     string     `json:"amount"`
	LineItems  []LineItem `json:"line_items"`
}

// SubmissionFingerprint returns the hex-encoded SHA-256 of the JCS (RFC 8785)
// serialization of the proposal's material content. Before hashing:
//   - the title is whitespace-trimmed
//   - line items are sorted by (category, description, amount)
func SubmissionFingerprint(title string, fiscalYear int, amount string, lineItems []LineItem) string {
	f := submissionFields{
		Title:      strings.TrimSpace(title),
		FiscalYear: fiscalYear,
		Amount:     amount,
		LineItems:  lineItems,
	}

	// Sort so the hash is independent of insertion order.
	sort.Slice(f.LineItems, func(i, j int) bool {
		a, b := f.LineItems[i], f.LineItems[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Description != b.Description {
			return a.Description < b.Description
		}
		return a.Amount < b.Amount
	})

	// Nil slice -> empty slice so JCS produces "[]" not "null".
	if f.LineItems == nil {
		f.LineItems = []LineItem{}
	}

	raw, err := json.Marshal(f)
	if err != nil {
		// json.Marshal on a struct with only basic types never fails.
		panic(fmt.Sprintf("store: marshal submission fields: %v", err))
	}

	jcs, err := jsoncanonical.Transform(raw)
	if err != nil {
		// JCS transform fails only on invalid JSON, which cannot happen here.
		panic(fmt.Sprintf("store: JCS transform: %v", err))
	}

	sum := sha256.Sum256(jcs)
	return hex.EncodeToString(sum[:])
}
