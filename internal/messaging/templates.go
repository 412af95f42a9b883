package messaging

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strings"
	texttemplate "text/template"

	"gopkg.in/yaml.v3"
)

// frontmatter is the YAML header at the top of each copy template.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// frontmatterDelimiter is the standard YAML frontmatter delimiter.
const frontmatterDelimiter = "---"

// CopyTemplate is one loaded message template.
type CopyTemplate struct {
	ID          string
	Name        string
	Description string
	tmpl        *texttemplate.Template
}

// Catalog holds the loaded copy templates keyed by ID.
type Catalog struct {
	templates map[string]CopyTemplate
}

// LoadCatalog parses every embedded copy template. A malformed template is
// an error, not a skip; the copy set ships with the binary and must be whole.
func LoadCatalog() (*Catalog, error) {
	fsys, err := BuiltinCopyFS()
	if err != nil {
		return nil, fmt.Errorf("opening copy templates: %w", err)
	}
	return loadCatalogFromFS(fsys, ".")
}

func loadCatalogFromFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading copy directory: %w", err)
	}

	c := &Catalog{templates: make(map[string]CopyTemplate)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		// Embedded filesystems always use forward slashes.
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading copy file %s: %w", fsPath, err)
		}

		ct, err := parseCopyTemplate(string(content), entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing copy file %s: %w", fsPath, err)
		}
		c.templates[ct.ID] = ct
	}
	return c, nil
}

// parseCopyTemplate splits frontmatter from body and compiles the body.
func parseCopyTemplate(content, filename string) (CopyTemplate, error) {
	fm, body, err := parseFrontmatter(content)
	if err != nil {
		return CopyTemplate{}, err
	}

	id := strings.TrimSuffix(filename, ".md")
	tmpl, err := texttemplate.New(id).Parse(strings.TrimSpace(body))
	if err != nil {
		return CopyTemplate{}, fmt.Errorf("compiling template: %w", err)
	}

	return CopyTemplate{
		ID:          id,
		Name:        fm.Name,
		Description: fm.Description,
		tmpl:        tmpl,
	}, nil
}

// parseFrontmatter extracts the YAML header and returns it with the body.
func parseFrontmatter(content string) (frontmatter, string, error) {
	var fm frontmatter

	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return fm, "", fmt.Errorf("content does not start with frontmatter delimiter")
	}

	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return fm, "", fmt.Errorf("no closing frontmatter delimiter found")
	}
	yamlContent = strings.TrimPrefix(yamlContent, "\n")

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(yamlContent)))
	if err := decoder.Decode(&fm); err != nil {
		return fm, "", fmt.Errorf("parsing YAML: %w", err)
	}
	if fm.Name == "" {
		return fm, "", fmt.Errorf("frontmatter missing required field: name")
	}

	// Skip the newline after the closing delimiter.
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

// Render executes the template with the given data.
func (c *Catalog) Render(id string, data map[string]any) (string, error) {
	ct, ok := c.templates[id]
	if !ok {
		return "", fmt.Errorf("unknown copy template: %s", id)
	}
	var buf bytes.Buffer
	if err := ct.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", id, err)
	}
	return buf.String(), nil
}

// Has reports whether a template with this ID is loaded.
func (c *Catalog) Has(id string) bool {
	_, ok := c.templates[id]
	return ok
}

// IDs returns the loaded template IDs, unordered.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	return ids
}
