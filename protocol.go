package stormlsp

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DocumentURI is a file URI as used on the wire ("file:///path/to/x.go").
type DocumentURI string

// BufferID identifies a host buffer. The host's buffer store owns these
// values; the engine only keys sync state by them.
type BufferID uint64

// Position is a zero-based line/character position.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) text range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// TextDocumentIdentifier names a document on the wire.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document plus its sync version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem is the full document sent with didOpen.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// ContentChange is one textDocument/didChange event. A nil Range means full
// document replacement.
type ContentChange struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidOpenParams is the payload of textDocument/didOpen.
type DidOpenParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeParams is the payload of textDocument/didChange.
type DidChangeParams struct {
	TextDocument   VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []ContentChange                 `json:"contentChanges"`
}

// DidCloseParams is the payload of textDocument/didClose.
type DidCloseParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidSaveParams is the payload of textDocument/didSave.
type DidSaveParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// TextDocumentPositionParams is the shared shape of position-scoped requests.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// HoverParams is the payload of textDocument/hover.
type HoverParams struct {
	TextDocumentPositionParams
}

// MarkupContent is rendered hover/completion documentation.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Hover is the result of textDocument/hover.
type Hover struct {
	Contents json.RawMessage `json:"contents"`
	Range    *Range          `json:"range,omitempty"`
}

// DiagnosticSeverity per the protocol: 1 error .. 4 hint.
type DiagnosticSeverity int

// Diagnostic severities.
const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// Diagnostic is one reported problem in a document.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// ShowMessageParams is the payload of window/showMessage and window/logMessage.
type ShowMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// WorkspaceFolder is a root the server should index.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// InitializeParams is the payload of the initialize request. Client
// capabilities are a static blob; initializationOptions come straight from
// configuration and stay opaque.
type InitializeParams struct {
	ProcessID             int               `json:"processId"`
	RootURI               DocumentURI       `json:"rootUri,omitempty"`
	Capabilities          json.RawMessage   `json:"capabilities"`
	InitializationOptions json.RawMessage   `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder `json:"workspaceFolders,omitempty"`
}

// InitializeResult is the server's answer to initialize. The capability
// tree stays raw; see Capabilities for queries against it.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the server binary from its initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// defaultClientCapabilities is the capability blob sent with every
// initialize request. Kept deliberately small: the engine consumes full-sync
// didChange, publishDiagnostics, and plain position-scoped requests.
var defaultClientCapabilities = json.RawMessage(`{
	"textDocument": {
		"synchronization": {"didSave": true},
		"publishDiagnostics": {"relatedInformation": false},
		"hover": {"contentFormat": ["markdown", "plaintext"]},
		"completion": {"completionItem": {"snippetSupport": false}}
	},
	"workspace": {"configuration": true, "workspaceFolders": true}
}`)

// --- URI helpers ---

// FilePathToURI converts an absolute or relative file path to a file URI.
func FilePathToURI(path string) DocumentURI {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs // Windows drive paths
	}
	u := url.URL{Scheme: "file", Path: abs}
	return DocumentURI(u.String())
}

// URIToFilePath converts a file URI back to a native file path.
func URIToFilePath(uri DocumentURI) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	path := u.Path
	// Strip the leading slash from Windows drive paths ("/C:/...").
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}

// --- Language detection ---

var extToLanguage = map[string]string{
	"go":    "go",
	"rs":    "rust",
	"ts":    "typescript",
	"tsx":   "typescriptreact",
	"js":    "javascript",
	"jsx":   "javascriptreact",
	"py":    "python",
	"c":     "c",
	"h":     "c",
	"cpp":   "cpp",
	"cc":    "cpp",
	"hpp":   "cpp",
	"java":  "java",
	"rb":    "ruby",
	"php":   "php",
	"swift": "swift",
	"kt":    "kotlin",
	"scala": "scala",
	"lua":   "lua",
	"sh":    "shellscript",
	"bash":  "shellscript",
	"json":  "json",
	"yaml":  "yaml",
	"yml":   "yaml",
	"html":  "html",
	"css":   "css",
	"md":    "markdown",
	"sql":   "sql",
	"zig":   "zig",
	"ex":    "elixir",
	"exs":   "elixir",
	"hs":    "haskell",
	"ml":    "ocaml",
	"vue":   "vue",
	"tf":    "terraform",
}

// DetectLanguage returns the language identifier for a file path, or ""
// when the extension is unknown.
func DetectLanguage(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return extToLanguage[ext]
}

// WorkspaceFolderFromPath builds a workspace folder for a directory.
func WorkspaceFolderFromPath(path string) WorkspaceFolder {
	abs, _ := filepath.Abs(path)
	return WorkspaceFolder{URI: FilePathToURI(abs), Name: filepath.Base(abs)}
}

// DetectWorkspaceFolder walks up from start looking for a project marker
// (go.mod, Cargo.toml, package.json, pyproject.toml, .git) and returns the
// first directory that carries one, falling back to start's own directory.
func DetectWorkspaceFolder(start string) WorkspaceFolder {
	abs, err := filepath.Abs(start)
	if err != nil {
		return WorkspaceFolderFromPath(start)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		abs = filepath.Dir(abs)
	}

	markers := []string{"go.mod", "Cargo.toml", "package.json", "pyproject.toml", ".git"}
	dir := abs
	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return WorkspaceFolderFromPath(dir)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return WorkspaceFolderFromPath(abs)
		}
		dir = parent
	}
}
