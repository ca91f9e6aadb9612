package stormlsp

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Text document sync kinds advertised by servers.
const (
	SyncNone        = 0
	SyncFull        = 1
	SyncIncremental = 2
)

// Capabilities is the capability tree a server returned from initialize.
// The tree is kept as raw JSON and queried by path: the protocol's
// capability surface is large, deeply nested, and mostly irrelevant to any
// one host, so a typed mirror buys nothing.
type Capabilities struct {
	raw []byte
}

// newCapabilities wraps a raw capability tree.
func newCapabilities(raw json.RawMessage) Capabilities {
	return Capabilities{raw: raw}
}

// Raw returns the untouched capability JSON.
func (c Capabilities) Raw() json.RawMessage { return c.raw }

// known reports whether the initialize response has arrived. A connection
// still mid-handshake has an empty tree and must not be gated on it.
func (c Capabilities) known() bool { return c.raw != nil }

// Supports reports whether the capability at path is advertised. Protocol
// convention: a capability may be a boolean or an options object, and an
// object counts as supported.
func (c Capabilities) Supports(path string) bool {
	v := gjson.GetBytes(c.raw, path)
	switch v.Type {
	case gjson.True:
		return true
	case gjson.JSON:
		return v.IsObject() || v.IsArray()
	default:
		return false
	}
}

// Get returns the raw value at path for callers that need options details.
func (c Capabilities) Get(path string) gjson.Result {
	return gjson.GetBytes(c.raw, path)
}

// SyncKind returns the negotiated textDocumentSync kind. Servers advertise
// either a bare number or an options object with a change field.
func (c Capabilities) SyncKind() int {
	v := gjson.GetBytes(c.raw, "textDocumentSync")
	if v.Type == gjson.Number {
		return int(v.Int())
	}
	if v.IsObject() {
		return int(v.Get("change").Int())
	}
	return SyncNone
}

// methodCapability maps document-scoped request methods to the capability
// path that gates them. Methods not listed are passed through unchecked
// (the generic plugin path must stay open to anything).
var methodCapability = map[string]string{
	"textDocument/hover":          "hoverProvider",
	"textDocument/completion":     "completionProvider",
	"textDocument/definition":     "definitionProvider",
	"textDocument/typeDefinition": "typeDefinitionProvider",
	"textDocument/references":     "referencesProvider",
	"textDocument/documentSymbol": "documentSymbolProvider",
	"textDocument/codeAction":     "codeActionProvider",
	"textDocument/formatting":     "documentFormattingProvider",
	"textDocument/rename":         "renameProvider",
	"textDocument/signatureHelp":  "signatureHelpProvider",
	"workspace/symbol":            "workspaceSymbolProvider",
}

// supportsMethod reports whether the server advertises support for method.
// Unknown methods are allowed through.
func (c Capabilities) supportsMethod(method string) bool {
	path, known := methodCapability[method]
	if !known {
		return true
	}
	return c.Supports(path)
}
