package admin

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"
)

// OpenAPISpec is the admin API description served under /api/v1.
//
//go:embed openapi.yaml
var OpenAPISpec []byte

// APIDoc serves one OpenAPI document as YAML and JSON. Both renderings are
// computed up front and never change, so they share an ETag.
type APIDoc struct {
	yaml []byte
	json []byte
	etag string
}

// NewAPIDoc parses document and prepares its JSON rendering.
func NewAPIDoc(document []byte) (*APIDoc, error) {
	var tree any
	if err := yaml.Unmarshal(document, &tree); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}

	if _, ok := tree.(map[string]any); !ok {
		return nil, fmt.Errorf("invalid openapi document: top level is %T", tree)
	}

	rendered, err := json.Marshal(stringKeys(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to render openapi document: %w", err)
	}

	sum := sha256.Sum256(document)

	return &APIDoc{
		yaml: document,
		json: rendered,
		etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
	}, nil
}

// MustAPIDoc is NewAPIDoc for documents compiled into the binary.
func MustAPIDoc(document []byte) *APIDoc {
	doc, err := NewAPIDoc(document)
	if err != nil {
		panic(err)
	}

	return doc
}

// stringKeys rewrites the map[any]any nodes yaml produces for non-string
// keys, such as numeric response codes, into JSON-encodable maps.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}

		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}

		return out
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}

		return n
	}

	return node
}

// JSON serves the document as application/json.
func (d *APIDoc) JSON(w http.ResponseWriter, r *http.Request) {
	d.write(w, r, "application/json", d.json)
}

// YAML serves the document as it was written.
func (d *APIDoc) YAML(w http.ResponseWriter, r *http.Request) {
	d.write(w, r, "application/yaml", d.yaml)
}

func (d *APIDoc) write(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	w.Header().Set("ETag", d.etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if r.Header.Get("If-None-Match") == d.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}
