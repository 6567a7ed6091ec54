package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"slices"
	"strings"
)

// Default request limits.
const (
	DefaultMaxCodeBytes  = 10 << 10
	DefaultMaxStdinBytes = 1 << 10
	DefaultMaxFiles      = 5
	DefaultMaxFileName   = 255
	DefaultMaxFileBytes  = 1 << 20
)

var fileNamePattern = regexp.MustCompile(`^[\w\-.]+$`)

// File is an auxiliary file placed next to the program in the sandbox work area.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExecutionRequest is an immutable, validated unit of work.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
	Files    []File `json:"files,omitempty"`
}

// RequestLimits bounds the size of an ExecutionRequest.
type RequestLimits struct {
	MaxCodeBytes  int
	MaxStdinBytes int
	MaxFiles      int
	MaxFileName   int
	MaxFileBytes  int
}

// DefaultRequestLimits returns the limits used when none are configured.
func DefaultRequestLimits() RequestLimits {
	return RequestLimits{
		MaxCodeBytes:  DefaultMaxCodeBytes,
		MaxStdinBytes: DefaultMaxStdinBytes,
		MaxFiles:      DefaultMaxFiles,
		MaxFileName:   DefaultMaxFileName,
		MaxFileBytes:  DefaultMaxFileBytes,
	}
}

// Validate checks the request against the language table and lim. It returns
// a *ValidationError describing the first problem found.
func (r ExecutionRequest) Validate(lim RequestLimits) error {
	lang, ok := LookupLanguage(r.Language)
	if !ok {
		return &ValidationError{
			Field:  "language",
			Reason: fmt.Sprintf("unsupported language %q, must be one of %s", r.Language, strings.Join(LanguageNames(), ", ")),
		}
	}
	if strings.TrimSpace(r.Code) == "" {
		return &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	if len(r.Code) > lim.MaxCodeBytes {
		return &ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", lim.MaxCodeBytes)}
	}
	if len(r.Stdin) > lim.MaxStdinBytes {
		return &ValidationError{Field: "stdin", Reason: fmt.Sprintf("exceeds %d bytes", lim.MaxStdinBytes)}
	}
	if len(r.Files) > lim.MaxFiles {
		return &ValidationError{Field: "files", Reason: fmt.Sprintf("at most %d files allowed", lim.MaxFiles)}
	}

	seen := make(map[string]bool, len(r.Files))
	for i, f := range r.Files {
		field := fmt.Sprintf("files[%d].name", i)
		switch {
		case f.Name == "" || len(f.Name) > lim.MaxFileName:
			return &ValidationError{Field: field, Reason: fmt.Sprintf("must be 1-%d characters", lim.MaxFileName)}
		case !fileNamePattern.MatchString(f.Name) || f.Name == "." || f.Name == "..":
			return &ValidationError{Field: field, Reason: "may only contain letters, digits, '_', '-' and '.'"}
		case f.Name == lang.SourceFile:
			return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is reserved for the program source", f.Name)}
		case seen[f.Name]:
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate file %q", f.Name)}
		}
		seen[f.Name] = true
		if len(f.Content) > lim.MaxFileBytes {
			return &ValidationError{
				Field:  fmt.Sprintf("files[%d].content", i),
				Reason: fmt.Sprintf("exceeds %d bytes", lim.MaxFileBytes),
			}
		}
	}
	return nil
}

// Fingerprint returns a deterministic digest of language, code, stdin and
// files. File order does not affect the result.
func (r ExecutionRequest) Fingerprint() string {
	h := sha256.New()
	writeField(h, r.Language)
	writeField(h, r.Code)
	writeField(h, r.Stdin)

	files := slices.Clone(r.Files)
	slices.SortFunc(files, func(a, b File) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Content, b.Content)
	})
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(files)))
	h.Write(n[:])
	for _, f := range files {
		writeField(h, f.Name)
		writeField(h, f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed field so that field boundaries cannot
// be shifted to produce collisions.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
